// Package selection picks the single series of a study best suited for
// volumetric analysis.
//
// CT series are scored by slice count, a thickness band bonus or penalty and
// penalties for bone and lung reconstruction kernels. MR series are scored by
// slice count. Other modalities and series below the minimum instance count
// are disqualified. The contrast phase is classified for every CT series but
// never influences the score.
package selection

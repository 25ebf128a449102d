package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
	"heimdallr/internal/nifti"
	"heimdallr/internal/services"
)

// ResultsFile is the name of the metrics document in the case output dir.
const ResultsFile = "resultados.json"

// Segmentation output subdirectories of a case.
const (
	TotalDir  = "total"
	TissueDir = "tissue_types"
	BleedDir  = "bleed"
)

const maskExt = ".nii.gz"

// Organs measured for every modality.
var Organs = []string{"liver", "spleen", "kidney_right", "kidney_left"}

// Region is a body region and the masks that reveal it.
type Region struct {
	Name  string
	Masks []string
}

// Regions lists the detectable body regions in cranio-caudal order.
var Regions = []Region{
	{Name: "head", Masks: []string{"skull", "brain", "face"}},
	{Name: "neck", Masks: []string{
		"vertebrae_C1", "vertebrae_C2", "vertebrae_C3", "vertebrae_C4",
		"vertebrae_C5", "vertebrae_C6", "vertebrae_C7", "trachea", "thyroid_gland",
	}},
	{Name: "thorax", Masks: []string{
		"lung_upper_lobe_left", "lung_upper_lobe_right", "heart",
		"esophagus", "aorta", "pulmonary_vein",
	}},
	{Name: "abdomen", Masks: []string{
		"liver", "spleen", "pancreas", "kidney_left", "kidney_right",
		"stomach", "gallbladder", "adrenal_gland_left",
	}},
	{Name: "pelvis", Masks: []string{
		"sacrum", "urinary_bladder", "prostate", "hip_left", "hip_right",
		"gluteus_maximus_left",
	}},
	{Name: "legs", Masks: []string{"femur_left", "femur_right"}},
}

// OrganMetrics holds one organ's measurements. Densities are nil for MR.
type OrganMetrics struct {
	VolumeCM3 float64
	HUMean    *float64
	HUStd     *float64
}

// HemorrhageSlices are representative axial indices through a bleed.
type HemorrhageSlices struct {
	Inferior int `json:"inferior_15"`
	Center   int `json:"center_50"`
	Superior int `json:"superior_85"`
}

// Result is the metrics document of one case.
type Result struct {
	CaseID      string
	Modality    string
	BodyRegions []string
	Organs      map[string]OrganMetrics

	// L3 analysis, present when vertebrae_L3 is segmented and non-empty.
	SliceL3      *int
	SMACM2       *float64
	MuscleHUMean *float64
	MuscleHUStd  *float64
	hasSMA       bool

	HemorrhageVolCM3 *float64
	HemorrhageSlices *HemorrhageSlices
}

// MarshalJSON flattens organ metrics into <organ>_vol_cm3 style keys.
func (r *Result) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"case_id":      r.CaseID,
		"modality":     r.Modality,
		"body_regions": nonNil(r.BodyRegions),
	}
	for name, organ := range r.Organs {
		doc[name+"_vol_cm3"] = organ.VolumeCM3
		doc[name+"_hu_mean"] = organ.HUMean
		doc[name+"_hu_std"] = organ.HUStd
	}
	if r.SliceL3 != nil {
		doc["slice_L3"] = *r.SliceL3
	}
	if r.hasSMA {
		doc["SMA_cm2"] = r.SMACM2
		doc["muscle_HU_mean"] = r.MuscleHUMean
		doc["muscle_HU_std"] = r.MuscleHUStd
	}
	if r.HemorrhageVolCM3 != nil {
		doc["hemorrhage_vol_cm3"] = *r.HemorrhageVolCM3
	}
	if r.HemorrhageSlices != nil {
		doc["hemorrhage_analysis_slices"] = r.HemorrhageSlices
	}
	return json.Marshal(doc)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Calculator computes case metrics.
type Calculator struct {
	logger *slog.Logger
	limit  int
}

// New returns a Calculator. Mask decoding fans out over at most four
// goroutines.
func New(logger *slog.Logger) *Calculator {
	return &Calculator{logger: logging.NewComponentLogger(logger, "metrics"), limit: 4}
}

// Compute measures the case whose segmentation outputs live under caseDir.
// volumePath is the source volume; it is read only for CT.
func (c *Calculator) Compute(ctx context.Context, caseID, modality, volumePath, caseDir string) (*Result, error) {
	result := &Result{
		CaseID:   caseID,
		Modality: modality,
		Organs:   make(map[string]OrganMetrics, len(Organs)),
	}
	if modality == "" {
		result.Modality = "CT"
	}
	isCT := result.Modality == "CT"

	var source *nifti.Volume
	if isCT {
		vol, err := nifti.Read(volumePath)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "metrics", "read volume", "Source volume is unreadable", err)
		}
		source = vol
	}

	totalDir := filepath.Join(caseDir, TotalDir)
	regions, err := c.DetectRegions(ctx, totalDir)
	if err != nil {
		return nil, err
	}
	result.BodyRegions = regions

	if err := c.measureOrgans(ctx, result, totalDir, source); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.measureL3(result, caseDir, source)
	c.measureHemorrhage(result, caseDir)
	return result, nil
}

// Write stores result as ResultsFile inside caseDir.
func Write(caseDir string, result *Result) error {
	if err := fileutil.WriteJSONAtomic(filepath.Join(caseDir, ResultsFile), result); err != nil {
		return services.Wrap(services.ErrTransient, "metrics", "write results", "Could not write metrics document", err)
	}
	return nil
}

// DetectRegions reports which body regions have at least one non-empty mask
// in totalDir.
func (c *Calculator) DetectRegions(ctx context.Context, totalDir string) ([]string, error) {
	var (
		mu      sync.Mutex
		present = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, region := range Regions {
		for _, name := range region.Masks {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				mask := c.loadMask(filepath.Join(totalDir, name+maskExt))
				if mask != nil && !mask.Empty() {
					mu.Lock()
					present[name] = true
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var found []string
	for _, region := range Regions {
		for _, name := range region.Masks {
			if present[name] {
				found = append(found, region.Name)
				break
			}
		}
	}
	return found, nil
}

func (c *Calculator) measureOrgans(ctx context.Context, result *Result, totalDir string, source *nifti.Volume) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, organ := range Organs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var m OrganMetrics
			mask := c.loadMask(filepath.Join(totalDir, organ+maskExt))
			if mask != nil {
				m.VolumeCM3 = volumeCM3(mask)
			}
			if source != nil {
				mean, std := 0.0, 0.0
				if mask != nil && mask.Dims == source.Dims {
					mean, std = density(source.Data, mask.Set)
				}
				m.HUMean, m.HUStd = &mean, &std
			}
			mu.Lock()
			result.Organs[organ] = m
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (c *Calculator) measureL3(result *Result, caseDir string, source *nifti.Volume) {
	l3Path := filepath.Join(caseDir, TotalDir, "vertebrae_L3"+maskExt)
	if !fileutil.Exists(l3Path) {
		return
	}
	l3 := c.loadMask(l3Path)
	if l3 == nil {
		return
	}
	slices := l3.OccupiedSlices()
	if len(slices) == 0 {
		c.logger.Warn("vertebrae_L3 mask is empty", logging.String(logging.FieldCaseID, result.CaseID))
		return
	}
	z := slices[len(slices)/2]
	result.SliceL3 = &z

	musclePath := filepath.Join(caseDir, TissueDir, "skeletal_muscle"+maskExt)
	if !fileutil.Exists(musclePath) {
		return
	}
	muscle := c.loadMask(musclePath)
	if muscle == nil || z >= muscle.Dims[2] {
		return
	}
	area := round(float64(muscle.SliceCount(z))*muscle.Pixdim[0]*muscle.Pixdim[1]/100, 3)
	result.SMACM2 = &area
	result.hasSMA = true
	if source == nil {
		return
	}

	mean, std := 0.0, 0.0
	if muscle.Dims == source.Dims {
		n := muscle.Dims[0] * muscle.Dims[1]
		mean, std = density(source.Slice(z), muscle.Set[z*n:(z+1)*n])
	}
	result.MuscleHUMean, result.MuscleHUStd = &mean, &std
}

func (c *Calculator) measureHemorrhage(result *Result, caseDir string) {
	bleedPath := filepath.Join(caseDir, BleedDir, "intracerebral_hemorrhage"+maskExt)
	if !fileutil.Exists(bleedPath) {
		return
	}
	vol := 0.0
	result.HemorrhageVolCM3 = &vol
	bleed := c.loadMask(bleedPath)
	if bleed == nil {
		return
	}
	vol = volumeCM3(bleed)
	if vol <= 0 {
		return
	}
	slices := bleed.OccupiedSlices()
	if len(slices) == 0 {
		return
	}
	at := func(fraction float64) int {
		i := min(int(float64(len(slices))*fraction), len(slices)-1)
		return slices[i]
	}
	result.HemorrhageSlices = &HemorrhageSlices{
		Inferior: at(0.15),
		Center:   at(0.5),
		Superior: at(0.85),
	}
}

// loadMask returns nil for a missing or unreadable mask.
func (c *Calculator) loadMask(path string) *nifti.Mask {
	if !fileutil.Exists(path) {
		return nil
	}
	mask, err := nifti.ReadMask(path)
	if err != nil {
		c.logger.Warn("mask unreadable; treating as absent",
			logging.String("path", path),
			logging.Error(err),
		)
		return nil
	}
	return mask
}

func volumeCM3(mask *nifti.Mask) float64 {
	return round(float64(mask.Count())*mask.VoxelVolumeMM3()/1000, 3)
}

// density returns the population mean and standard deviation of the values
// selected by set, rounded to two places. An empty selection yields zeros.
func density(values []float64, set []bool) (float64, float64) {
	var selected []float64
	for i, in := range set {
		if in {
			selected = append(selected, values[i])
		}
	}
	if len(selected) == 0 {
		return 0, 0
	}
	mean, variance := stat.PopMeanVariance(selected, nil)
	return round(mean, 2), round(math.Sqrt(variance), 2)
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}


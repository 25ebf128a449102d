// Package metrics derives quantitative measurements from the segmentation
// masks of one case: detected body regions, abdominal organ volumes and
// densities, skeletal muscle area at L3 and intracerebral hemorrhage volume.
//
// Masks that are absent are reported as zero or omitted, never as errors;
// only an unreadable source volume fails the computation.
package metrics

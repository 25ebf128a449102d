package prepare

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/dicomio"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/selection"
	"heimdallr/internal/services"
)

// ErrNoDicom is returned when an archive holds no readable instance.
var ErrNoDicom = errors.New("archive contains no readable DICOM instances")

// Job is a selected study waiting for conversion.
type Job struct {
	CaseID    string
	Archive   string
	WorkDir   string
	Selection selection.Result
	Metadata  CaseMetadata
}

// Option configures a Preparer.
type Option func(*Preparer)

// WithConverter replaces dcm2niix.
func WithConverter(c Converter) Option {
	return func(p *Preparer) {
		if c != nil {
			p.converter = c
		}
	}
}

// WithMetadataReader replaces the DICOM attribute reader.
func WithMetadataReader(r dicomio.MetadataReader) Option {
	return func(p *Preparer) {
		if r != nil {
			p.reader = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Preparer) {
		if now != nil {
			p.now = now
		}
	}
}

// Preparer extracts, selects and converts study archives.
type Preparer struct {
	rules     selection.Rules
	converter Converter
	reader    dicomio.MetadataReader
	logger    *slog.Logger
	now       func() time.Time

	uploadsDir string
	intakeDir  string
	outputDir  string
	errorDir   string
	maxBytes   int64
}

// New builds a Preparer from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Preparer {
	p := &Preparer{
		rules:      selection.RulesFromConfig(cfg),
		converter:  NewDcm2niix(cfg.Prepare.Dcm2niixBinary, time.Duration(cfg.Prepare.TimeoutSeconds)*time.Second),
		reader:     dicomio.FileReader{},
		logger:     logging.NewComponentLogger(logger, "prepare"),
		now:        time.Now,
		uploadsDir: cfg.Paths.UploadsDir,
		intakeDir:  cfg.Paths.IntakeDir,
		outputDir:  cfg.Paths.OutputDir,
		errorDir:   cfg.Paths.ErrorDir,
		maxBytes:   int64(cfg.Prepare.MaxUploadMB) << 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare runs Plan and Convert back to back.
func (p *Preparer) Prepare(ctx context.Context, archive string) (*Job, error) {
	job, err := p.Plan(ctx, archive)
	if err != nil {
		return nil, err
	}
	if err := p.Convert(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// Plan extracts archive into a work directory, selects the series to
// convert, reserves a case ID and writes its id.json. Failures are definite
// and remove the work directory.
func (p *Preparer) Plan(ctx context.Context, archive string) (*Job, error) {
	workDir, err := os.MkdirTemp(p.uploadsDir, ".work-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	job := &Job{Archive: archive, WorkDir: workDir}
	fail := func(err error) (*Job, error) {
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	extractDir := filepath.Join(workDir, "extracted")
	if err := p.extract(archive, extractDir); err != nil {
		return fail(err)
	}
	instances := p.readInstances(ctx, extractDir)
	if len(instances) == 0 {
		return fail(services.Wrap(services.ErrValidation, "prepare", "read", filepath.Base(archive), ErrNoDicom))
	}

	result, err := p.rules.Select(instances)
	if err != nil {
		return fail(err)
	}
	job.Selection = result
	caseID, err := p.reserveCaseID(BuildCaseID(result.Winner.Instances[0]))
	if err != nil {
		return fail(err)
	}
	job.CaseID = caseID
	job.Metadata = NewMetadata(job.CaseID, result.Winner, p.now())
	if err := WriteMetadata(p.outputDir, job.Metadata); err != nil {
		_ = os.RemoveAll(filepath.Join(p.outputDir, caseID))
		return fail(fmt.Errorf("write case metadata: %w", err))
	}

	p.logger.Info("series selected",
		logging.String(logging.FieldCaseID, job.CaseID),
		logging.String(logging.FieldStudyUID, job.Metadata.StudyInstanceUID),
		logging.String(logging.FieldSeriesUID, result.Winner.SeriesUID),
		logging.Int("score", result.Winner.Score),
		logging.Int("instances", result.Winner.Count),
		logging.Int("candidates", len(result.Candidates)),
		logging.String("contrast_phase", string(result.Winner.Phase)),
	)
	return job, nil
}

// Convert runs the converter on the winning series and moves the volume into
// the intake directory as {case}.nii.gz.
func (p *Preparer) Convert(ctx context.Context, job *Job) error {
	defer os.RemoveAll(job.WorkDir)
	ctx = services.WithCaseID(ctx, job.CaseID)
	logger := logging.WithContext(ctx, p.logger)

	seriesDir := filepath.Join(job.WorkDir, "series")
	if err := os.MkdirAll(seriesDir, 0o755); err != nil {
		return fmt.Errorf("create series dir: %w", err)
	}
	for i, inst := range job.Selection.Winner.Instances {
		dst := filepath.Join(seriesDir, fmt.Sprintf("%05d.dcm", i))
		if err := fileutil.CopyFile(inst.Path, dst); err != nil {
			return fmt.Errorf("stage series file: %w", err)
		}
	}
	outDir := filepath.Join(job.WorkDir, "nii")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create converter output dir: %w", err)
	}

	started := p.now()
	volume, err := p.converter.Convert(ctx, seriesDir, outDir)
	if err != nil {
		return err
	}
	// The intake poller ignores dot-files, so the rename is the publish step.
	staged := filepath.Join(p.intakeDir, "."+job.CaseID+".nii.gz.tmp")
	if err := fileutil.MoveFile(volume, staged); err != nil {
		return fmt.Errorf("stage volume: %w", err)
	}
	final := filepath.Join(p.intakeDir, job.CaseID+".nii.gz")
	if err := os.Rename(staged, final); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("publish volume: %w", err)
	}
	logger.Info("volume ready for processing",
		logging.String("path", final),
		logging.Duration("conversion", p.now().Sub(started)),
	)
	return nil
}

// Quarantine moves a failed upload to the error directory with a log next
// to it.
func (p *Preparer) Quarantine(archive string, cause error) string {
	target := filepath.Join(p.errorDir, filepath.Base(archive))
	if err := fileutil.MoveFile(archive, target); err != nil {
		target = archive
	}
	msg := fmt.Sprintf("%s\n%s\n", p.now().UTC().Format(time.RFC3339), services.FailureReason(cause))
	_ = fileutil.WriteFileAtomic(target+".error.log", []byte(msg), 0o644)
	return target
}

// reserveCaseID claims the case output directory, appending a numeric
// suffix when the case already has one or has an intake volume. Creating the
// directory is the reservation, so concurrent uploads of the same patient
// never share an ID.
func (p *Preparer) reserveCaseID(base string) (string, error) {
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	candidate := base
	for n := 2; ; n++ {
		if !fileutil.Exists(filepath.Join(p.intakeDir, candidate+".nii.gz")) {
			err := os.Mkdir(filepath.Join(p.outputDir, candidate), 0o755)
			if err == nil {
				return candidate, nil
			}
			if !errors.Is(err, fs.ErrExist) {
				return "", fmt.Errorf("reserve case %s: %w", candidate, err)
			}
		}
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
}

func (p *Preparer) readInstances(ctx context.Context, dir string) []imaging.Instance {
	var instances []imaging.Instance
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		inst, err := p.reader.ReadInstance(path)
		if err != nil || inst.SeriesUID == "" {
			return nil
		}
		inst.Path = path
		instances = append(instances, inst)
		return nil
	})
	return instances
}

func (p *Preparer) extract(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return services.Wrap(services.ErrValidation, "prepare", "open archive", "invalid zip", err)
	}
	defer zr.Close()

	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return services.Wrap(services.ErrValidation, "prepare", "extract", "entry escapes archive: "+f.Name, nil)
		}
		if strings.HasPrefix(filepath.Base(name), ".") {
			continue
		}
		total += int64(f.UncompressedSize64)
		if p.maxBytes > 0 && total > 4*p.maxBytes {
			return services.Wrap(services.ErrValidation, "prepare", "extract", "archive expands beyond limit", nil)
		}
		if err := extractFile(f, filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

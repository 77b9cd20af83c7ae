package mirror

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/warp/productview/catalog"
)

// =============================================================================
// CONSISTENCY CHECKER - Read-only drift detection
// =============================================================================

const maxReportedMismatches = 100

type CheckerOptions struct {
	// SampleSize bounds the per-record comparison. Zero compares every record.
	SampleSize int
	// Seed drives sampling. Zero seeds from the clock.
	Seed   uint64
	Clock  catalog.Clock
	Logger *slog.Logger
}

// Mismatch is one record that differs between the stores.
type Mismatch struct {
	ID              catalog.ConfigID `json:"id"`
	Fields          []string         `json:"fields,omitempty"`
	MissingInMirror bool             `json:"missingInMirror,omitempty"`
}

// CheckReport is the outcome of Verify. Mismatches holds at most 100 entries;
// MismatchCount is the true total.
type CheckReport struct {
	Consistent    bool       `json:"consistent"`
	DurableCount  int        `json:"durableCount"`
	MirrorCount   int        `json:"mirrorCount"`
	CountMismatch bool       `json:"countMismatch"`
	Sampled       bool       `json:"sampled"`
	Compared      int        `json:"compared"`
	MismatchCount int        `json:"mismatchCount"`
	Mismatches    []Mismatch `json:"mismatches"`
	CheckedAt     time.Time  `json:"checkedAt"`
}

func (r *CheckReport) add(m Mismatch) {
	r.MismatchCount++
	if len(r.Mismatches) < maxReportedMismatches {
		r.Mismatches = append(r.Mismatches, m)
	}
}

// Checker compares the durable store and the mirror. It never writes.
type Checker struct {
	durable    catalog.DurableStore
	mirror     catalog.MirrorStore
	sampleSize int
	seed       uint64
	clock      catalog.Clock
	logger     *slog.Logger
}

func NewChecker(durable catalog.DurableStore, mirror catalog.MirrorStore, opts CheckerOptions) *Checker {
	if opts.Clock == nil {
		opts.Clock = catalog.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Checker{
		durable:    durable,
		mirror:     mirror,
		sampleSize: opts.SampleSize,
		seed:       opts.Seed,
		clock:      opts.Clock,
		logger:     opts.Logger.With(slog.String("component", "checker")),
	}
}

// Verify compares record counts, then productId, enabled, validFrom and
// validTo for every record or a sample. A count mismatch returns at once.
// The error is non-nil only when a store could not be read.
func (c *Checker) Verify(ctx context.Context) (bool, *CheckReport, error) {
	if c.mirror == nil {
		return false, nil, catalog.ErrMirrorUnavailable
	}
	report := &CheckReport{CheckedAt: c.clock.Now(), Mismatches: []Mismatch{}}

	var err error
	report.DurableCount, err = c.durable.CountConfigs(ctx, catalog.ConfigFilter{})
	if err != nil {
		return false, nil, &catalog.DurableStoreError{Op: "count configs", Err: err}
	}
	report.MirrorCount, err = c.mirror.CountConfigs(ctx, catalog.ConfigFilter{})
	if err != nil {
		return false, nil, &catalog.MirrorStoreError{Op: "count configs", Err: err}
	}
	if report.DurableCount != report.MirrorCount {
		report.CountMismatch = true
		c.logger.Warn("mirror count differs from durable store",
			slog.Int("durable", report.DurableCount), slog.Int("mirror", report.MirrorCount))
		return false, report, nil
	}

	if c.sampleSize > 0 && c.sampleSize < report.DurableCount {
		err = c.compareSample(ctx, report)
	} else {
		err = c.compareAll(ctx, report)
	}
	if err != nil {
		return false, nil, err
	}

	report.Consistent = report.MismatchCount == 0
	c.logger.Info("consistency check finished",
		slog.Bool("consistent", report.Consistent),
		slog.Int("compared", report.Compared),
		slog.Int("mismatches", report.MismatchCount),
		slog.Bool("sampled", report.Sampled))
	return report.Consistent, report, nil
}

// compareAll loads the mirror once and walks the durable store against it.
func (c *Checker) compareAll(ctx context.Context, report *CheckReport) error {
	mirrored := make(map[catalog.ConfigID]catalog.Configuration, report.MirrorCount)
	err := c.mirror.ScanConfigs(ctx, catalog.ConfigFilter{}, func(cfg catalog.Configuration) error {
		mirrored[cfg.ID] = cfg
		return nil
	})
	if err != nil {
		return &catalog.MirrorStoreError{Op: "scan configs", Err: err}
	}

	err = c.durable.ScanConfigs(ctx, catalog.ConfigFilter{}, func(cfg catalog.Configuration) error {
		report.Compared++
		m, ok := mirrored[cfg.ID]
		if !ok {
			report.add(Mismatch{ID: cfg.ID, MissingInMirror: true})
			return nil
		}
		if diff := cfg.Diff(m); len(diff) > 0 {
			report.add(Mismatch{ID: cfg.ID, Fields: diff})
		}
		return nil
	})
	if err != nil {
		return &catalog.DurableStoreError{Op: "scan configs", Err: err}
	}
	return nil
}

// compareSample draws a uniform reservoir sample from the durable scan and
// point-reads each sampled id from the mirror.
func (c *Checker) compareSample(ctx context.Context, report *CheckReport) error {
	seed := c.seed
	if seed == 0 {
		seed = uint64(c.clock.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	reservoir := make([]catalog.Configuration, 0, c.sampleSize)
	seen := 0
	err := c.durable.ScanConfigs(ctx, catalog.ConfigFilter{}, func(cfg catalog.Configuration) error {
		seen++
		if len(reservoir) < c.sampleSize {
			reservoir = append(reservoir, cfg)
			return nil
		}
		if j := rng.IntN(seen); j < c.sampleSize {
			reservoir[j] = cfg
		}
		return nil
	})
	if err != nil {
		return &catalog.DurableStoreError{Op: "scan configs", Err: err}
	}

	report.Sampled = true
	for _, cfg := range reservoir {
		m, err := c.mirror.GetConfig(ctx, cfg.ID)
		if errors.Is(err, catalog.ErrConfigNotFound) {
			report.Compared++
			report.add(Mismatch{ID: cfg.ID, MissingInMirror: true})
			continue
		}
		if err != nil {
			return &catalog.MirrorStoreError{Op: "get config", Err: err}
		}
		report.Compared++
		if diff := cfg.Diff(m); len(diff) > 0 {
			report.add(Mismatch{ID: cfg.ID, Fields: diff})
		}
	}
	return nil
}

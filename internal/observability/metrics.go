package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCommitsScanned  = "abbsmeta.commits.scanned.total"
	metricPackagesParsed  = "abbsmeta.packages.parsed.total"
	metricParseErrors     = "abbsmeta.parse.errors.total"
	metricStageDuration   = "abbsmeta.stage.duration.seconds"
	metricPackagesWritten = "abbsmeta.packages.written.total"

	attrTree  = "tree"
	attrStage = "stage"
	attrKind  = "kind"
)

// durationBucketBoundaries spans sub-second package parses up to
// multi-minute full-tree rescans.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// PipelineMetrics holds the OTel instruments for the collector's three
// stages: commit-walk, package-parse, database-synthesis.
type PipelineMetrics struct {
	commitsScanned  metric.Int64Counter
	packagesParsed  metric.Int64Counter
	parseErrors     metric.Int64Counter
	stageDuration   metric.Float64Histogram
	packagesWritten metric.Int64Counter
}

// NewPipelineMetrics creates the collector's metric instruments from mt.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	commits, err := mt.Int64Counter(metricCommitsScanned,
		metric.WithDescription("Commits scanned by the commit-walk stage"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCommitsScanned, err)
	}

	parsed, err := mt.Int64Counter(metricPackagesParsed,
		metric.WithDescription("Packages successfully built by the parse stage"),
		metric.WithUnit("{package}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPackagesParsed, err)
	}

	errs, err := mt.Int64Counter(metricParseErrors,
		metric.WithDescription("Parse or builder errors recorded per package"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricParseErrors, err)
	}

	dur, err := mt.Float64Histogram(metricStageDuration,
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricStageDuration, err)
	}

	written, err := mt.Int64Counter(metricPackagesWritten,
		metric.WithDescription("Package rows written to the metadata store"),
		metric.WithUnit("{package}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPackagesWritten, err)
	}

	return &PipelineMetrics{
		commitsScanned:  commits,
		packagesParsed:  parsed,
		parseErrors:     errs,
		stageDuration:   dur,
		packagesWritten: written,
	}, nil
}

// RecordCommitsScanned adds n to the commits-scanned counter for tree.
func (pm *PipelineMetrics) RecordCommitsScanned(ctx context.Context, tree string, n int64) {
	if pm == nil {
		return
	}

	pm.commitsScanned.Add(ctx, n, metric.WithAttributes(attribute.String(attrTree, tree)))
}

// RecordParseOutcome increments the parsed or parse-error counters for a
// single package result, tagged by error kind when it failed.
func (pm *PipelineMetrics) RecordParseOutcome(ctx context.Context, tree string, ok bool, errKind string) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrTree, tree))

	if ok {
		pm.packagesParsed.Add(ctx, 1, attrs)

		return
	}

	pm.parseErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrTree, tree),
		attribute.String(attrKind, errKind),
	))
}

// RecordStageDuration records how long a named pipeline stage took for tree.
func (pm *PipelineMetrics) RecordStageDuration(ctx context.Context, tree, stage string, d time.Duration) {
	if pm == nil {
		return
	}

	pm.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String(attrTree, tree),
		attribute.String(attrStage, stage),
	))
}

// RecordPackagesWritten adds n to the packages-written counter for tree.
func (pm *PipelineMetrics) RecordPackagesWritten(ctx context.Context, tree string, n int64) {
	if pm == nil {
		return
	}

	pm.packagesWritten.Add(ctx, n, metric.WithAttributes(attribute.String(attrTree, tree)))
}

// Package service implements account export, import and summary.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/finance-portability/internal/domain/audit"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/remap"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/repository"
	"github.com/FACorreiaa/finance-portability/pkg/interceptors"
	"github.com/FACorreiaa/finance-portability/pkg/observability"
)

// Config tunes the service.
type Config struct {
	ImportTimeout   time.Duration
	ReadWorkers     int
	SummaryCacheTTL time.Duration
	// NewID generates identifiers when an import does not preserve them.
	// Defaults to random UUIDs.
	NewID remap.IDGenerator
}

// PortabilityService is what transports depend on.
type PortabilityService interface {
	Export(ctx context.Context, owner portability.OwnerID) (*document.Document, error)
	Import(ctx context.Context, owner portability.OwnerID, payload []byte, opts portability.Options) (portability.ResultSummary, error)
	Summary(ctx context.Context, owner portability.OwnerID) (map[string]int64, error)
}

var _ PortabilityService = (*Service)(nil)

// Service wraps the exporter and importer with auditing, tracing, metrics and
// a per owner summary cache.
type Service struct {
	exporter    *Exporter
	importer    *Importer
	store       repository.Store
	graph       *graph.Descriptor
	audit       audit.Recorder
	logger      *slog.Logger
	tracer      trace.Tracer
	cache       *ristretto.Cache[string, map[string]int64]
	cacheTTL    time.Duration
	readWorkers int
	now         func() time.Time

	// generations counts invalidations per owner. A summary is cached only
	// if no import finished while it was being computed.
	genMu       sync.Mutex
	generations map[string]uint64
}

func NewService(store repository.Store, d *graph.Descriptor, recorder audit.Recorder, logger *slog.Logger, cfg Config) (*Service, error) {
	if cfg.ReadWorkers < 1 {
		cfg.ReadWorkers = 1
	}

	s := &Service{
		exporter:    NewExporter(store, d, cfg.ReadWorkers),
		importer:    NewImporter(store, d, cfg.ImportTimeout, cfg.NewID, logger),
		store:       store,
		graph:       d,
		audit:       recorder,
		logger:      logger,
		tracer:      otel.Tracer("portability/service"),
		cacheTTL:    cfg.SummaryCacheTTL,
		readWorkers: cfg.ReadWorkers,
		now:         time.Now,
		generations: make(map[string]uint64),
	}

	if cfg.SummaryCacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, map[string]int64]{
			NumCounters:        10000,
			MaxCost:            1000,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create summary cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Close releases the summary cache.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *Service) record(ctx context.Context, owner portability.OwnerID, t audit.EventType, details map[string]any, err error) {
	if s.audit == nil {
		return
	}
	event := audit.Event{
		Type:       t,
		OwnerID:    owner.String(),
		RequestID:  interceptors.GetRequestID(ctx),
		Details:    details,
		OccurredAt: s.now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if recErr := s.audit.Record(ctx, event); recErr != nil {
		s.logger.WarnContext(ctx, "failed to record audit event",
			slog.String("event", string(t)), slog.Any("error", recErr))
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := portability.CodeOf(err); ok {
		return string(code)
	}
	return "unknown"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}

// Export produces the owner's document.
func (s *Service) Export(ctx context.Context, owner portability.OwnerID) (doc *document.Document, err error) {
	ctx, span := s.tracer.Start(ctx, "portability.Export", trace.WithAttributes(
		attribute.String("owner.id", owner.String()),
	))
	start := time.Now()
	defer func() {
		observability.ObserveOperation("export", outcome(err), time.Since(start))
		endSpan(span, err)
	}()

	l := s.logger.With(slog.String("method", "Export"), slog.String("ownerID", owner.String()))
	l.DebugContext(ctx, "exporting account data")
	s.record(ctx, owner, audit.ExportRequest, nil, nil)

	doc, err = s.exporter.Export(ctx, owner)
	if err != nil {
		l.ErrorContext(ctx, "export failed", slog.Any("error", err))
		s.record(ctx, owner, audit.ExportError, nil, err)
		return nil, err
	}

	counts := doc.RecordCounts()
	total := 0
	for entity, n := range counts {
		total += n
		observability.RowsTotal.WithLabelValues(entity, "exported").Add(float64(n))
	}
	span.SetAttributes(attribute.Int("export.records", total))
	l.InfoContext(ctx, "export completed", slog.Int("records", total))
	s.record(ctx, owner, audit.ExportSuccess, map[string]any{"records": total, "entities": counts}, nil)
	return doc, nil
}

// Import applies payload to owner's data under opts.
func (s *Service) Import(ctx context.Context, owner portability.OwnerID, payload []byte, opts portability.Options) (summary portability.ResultSummary, err error) {
	ctx, span := s.tracer.Start(ctx, "portability.Import", trace.WithAttributes(
		attribute.String("owner.id", owner.String()),
		attribute.Bool("import.preserve_ids", opts.PreserveIDs),
		attribute.Bool("import.overwrite_existing", opts.OverwriteExisting),
		attribute.Int("import.bytes", len(payload)),
	))
	start := time.Now()
	defer func() {
		observability.ObserveOperation("import", outcome(err), time.Since(start))
		endSpan(span, err)
	}()

	l := s.logger.With(slog.String("method", "Import"), slog.String("ownerID", owner.String()))
	l.DebugContext(ctx, "importing account data",
		slog.Bool("preserveIds", opts.PreserveIDs),
		slog.Bool("overwriteExisting", opts.OverwriteExisting))
	s.record(ctx, owner, audit.ImportRequest, map[string]any{
		"preserveIds":       opts.PreserveIDs,
		"overwriteExisting": opts.OverwriteExisting,
		"bytes":             len(payload),
	}, nil)

	summary, err = s.importer.Import(ctx, owner, payload, opts)
	if err != nil {
		if portability.IsValidation(err) {
			l.WarnContext(ctx, "import rejected", slog.Any("error", err))
		} else {
			l.ErrorContext(ctx, "import failed", slog.Any("error", err))
		}
		s.record(ctx, owner, audit.ImportError, map[string]any{"code": outcome(err)}, err)
		return portability.ResultSummary{}, err
	}

	s.invalidateSummary(owner)
	for entity, st := range summary.Statistics {
		observability.RowsTotal.WithLabelValues(entity, "inserted").Add(float64(st.Inserted))
		observability.RowsTotal.WithLabelValues(entity, "updated").Add(float64(st.Updated))
		observability.RowsTotal.WithLabelValues(entity, "skipped").Add(float64(st.Skipped))
	}
	l.InfoContext(ctx, "import completed", slog.Any("statistics", summary.Statistics))
	s.record(ctx, owner, audit.ImportSuccess, map[string]any{"statistics": summary.Statistics}, nil)
	return summary, nil
}

// Summary returns per entity row counts for owner.
func (s *Service) Summary(ctx context.Context, owner portability.OwnerID) (counts map[string]int64, err error) {
	ctx, span := s.tracer.Start(ctx, "portability.Summary", trace.WithAttributes(
		attribute.String("owner.id", owner.String()),
	))
	start := time.Now()
	defer func() {
		observability.ObserveOperation("summary", outcome(err), time.Since(start))
		endSpan(span, err)
	}()

	l := s.logger.With(slog.String("method", "Summary"), slog.String("ownerID", owner.String()))
	s.record(ctx, owner, audit.SummaryRequest, nil, nil)

	if s.cache != nil {
		if cached, ok := s.cache.Get(owner.String()); ok {
			l.DebugContext(ctx, "summary served from cache")
			span.SetAttributes(attribute.Bool("summary.cached", true))
			return maps.Clone(cached), nil
		}
	}

	gen := s.generation(owner)
	counts = make(map[string]int64, len(s.graph.Keys()))
	var mu sync.Mutex
	err = s.store.Snapshot(ctx, owner, func(ctx context.Context, r repository.Reader) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.readWorkers)
		for _, e := range s.graph.Entities() {
			g.Go(func() error {
				n, err := r.Count(gctx, e)
				if err != nil {
					return &portability.StorageError{Entity: e.Key, Row: portability.NoRow, Cause: err}
				}
				mu.Lock()
				counts[e.Key] = n
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		l.ErrorContext(ctx, "summary failed", slog.Any("error", err))
		s.record(ctx, owner, audit.SummaryError, nil, err)
		return nil, err
	}

	if !s.storeSummary(owner, gen, counts) {
		l.DebugContext(ctx, "summary not cached, an import finished while it was computed")
	}
	l.DebugContext(ctx, "summary computed", slog.Any("counts", counts))
	s.record(ctx, owner, audit.SummarySuccess, nil, nil)
	return counts, nil
}

func (s *Service) generation(owner portability.OwnerID) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[owner.String()]
}

// storeSummary caches counts unless owner was invalidated after gen was read.
func (s *Service) storeSummary(owner portability.OwnerID, gen uint64, counts map[string]int64) bool {
	if s.cache == nil {
		return true
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[owner.String()] != gen {
		return false
	}
	s.cache.SetWithTTL(owner.String(), maps.Clone(counts), 1, s.cacheTTL)
	s.cache.Wait()
	return true
}

func (s *Service) invalidateSummary(owner portability.OwnerID) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[owner.String()]++
	if s.cache != nil {
		s.cache.Del(owner.String())
	}
}

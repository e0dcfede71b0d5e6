package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Decoders paymentdomain.DecoderSource
	Payments paymentdomain.Service
	Engine   domain.Engine

	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	decoders paymentdomain.DecoderSource
	payments paymentdomain.Service
	engine   domain.Engine
	metrics  *metrics.Metrics
}

func NewService(p Params) domain.Ingester {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconcile.webhook"),
		decoders: p.Decoders,
		payments: p.Payments,
		engine:   p.Engine,
		metrics:  p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, siteID snowflake.ID, payload []byte, headers http.Header) (*domain.IngestResult, error) {
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidEventPayload
	}
	decoder, err := s.decoders.Decoder(siteID)
	if err != nil {
		return nil, err
	}
	event, err := decoder.Decode(ctx, payload, headers)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, paymentdomain.ErrInvalidEventPayload
	}
	if event.SiteID == 0 {
		event.SiteID = siteID
	}
	if event.Payload == nil {
		event.Payload = payload
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("provider_type", event.ProviderType),
	)
	s.metrics.RecordPaymentEvent(ctx, event.Provider, event.ProviderType)

	record, inserted, err := s.payments.RecordEvent(ctx, s.db, event)
	if err != nil {
		return nil, err
	}
	result := &domain.IngestResult{
		EventID: record.ID,
		Kind:    event.Kind,
	}
	if record.ProcessedAt != nil {
		log.Info("payment event already processed")
		result.Duplicate = true
		result.Result = domain.Result{Handled: true, Outcome: domain.OutcomeDuplicate}
		return result, nil
	}
	if !inserted {
		log.Info("retrying unprocessed payment event")
	}

	result.Result = s.engine.Reconcile(ctx, event)
	if !result.Handled {
		log.Warn("payment event left for redelivery", zap.String("outcome", string(result.Outcome)))
		return result, nil
	}
	if err := s.payments.MarkEventProcessed(ctx, s.db, record); err != nil {
		return nil, err
	}
	return result, nil
}

package metrics

import (
	"github.com/fotonphotos/candlepipe/internal/eventbus"
)

// Attach subscribes the metrics collectors to every bus topic whose
// occurrence should move a counter, keeping metric bookkeeping a
// side-channel listener rather than threading metric calls through
// business logic.
func (m *Metrics) Attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicCandleCompleted, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.CandleCompletedPayload)
		if !ok {
			return
		}
		m.CandlesCompleted.WithLabelValues(p.Key.Symbol, p.Key.Market.String()).Inc()
	})

	bus.Subscribe(eventbus.TopicCandleSaved, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.CandleSavedPayload)
		if !ok {
			return
		}
		m.CandlesSaved.WithLabelValues(p.Key.Symbol, p.Key.Market.String()).Inc()
	})

	bus.Subscribe(eventbus.TopicCandleSaveFailed, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.CandleSaveFailedPayload)
		if !ok {
			return
		}
		m.SaveFailures.WithLabelValues(p.Key.Symbol, p.Key.Market.String()).Inc()
	})

	bus.Subscribe(eventbus.TopicCandleHighVolume, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.CandleHighVolumePayload)
		if !ok {
			return
		}
		m.AnomaliesEmitted.WithLabelValues(p.Key.Symbol, p.Key.Market.String(), "high-volume").Inc()
	})

	bus.Subscribe(eventbus.TopicCandlePriceSpike, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.CandlePriceSpikePayload)
		if !ok {
			return
		}
		m.AnomaliesEmitted.WithLabelValues(p.Key.Symbol, p.Key.Market.String(), "price-spike").Inc()
	})

	bus.Subscribe(eventbus.TopicCandleGapDetected, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.CandleGapDetectedPayload)
		if !ok {
			return
		}
		m.AnomaliesEmitted.WithLabelValues(p.Key.Symbol, p.Key.Market.String(), "gap-detected").Inc()
	})

	bus.Subscribe(eventbus.TopicBackfillGap, func(e eventbus.Event) {
		p, ok := e.Payload.(eventbus.BackfillGapPayload)
		if !ok {
			return
		}
		m.BackfillGaps.WithLabelValues(p.Key.Symbol, p.Key.Market.String()).Inc()
	})
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	GenerationsTotal     prometheus.Counter
	GenerationFailures   prometheus.Counter
	EditsTotal           prometheus.Counter
	CharacterGenerations prometheus.Counter
	ExtractionsTotal     prometheus.Counter
	EnqueuedJobs         prometheus.Counter
	ProcessedJobs        prometheus.Counter
	FailedJobs           prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			GenerationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "image_generations_total",
				Help:      "Total successful scene image generations",
			}),
			GenerationFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "image_generation_failures_total",
				Help:      "Total failed image generations and edits",
			}),
			EditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "image_edits_total",
				Help:      "Total successful scene image edits",
			}),
			CharacterGenerations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "character_generations_total",
				Help:      "Total successful character portrait generations",
			}),
			ExtractionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "story_extractions_total",
				Help:      "Total story extraction requests",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "queue_enqueued_total",
				Help:      "Total generation jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "queue_processed_total",
				Help:      "Total generation jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storybook",
				Name:      "queue_failed_total",
				Help:      "Total generation jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.GenerationsTotal,
			global.GenerationFailures,
			global.EditsTotal,
			global.CharacterGenerations,
			global.ExtractionsTotal,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
		)
	})
	return global
}

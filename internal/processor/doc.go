// Package processor is the enrichment orchestrator. It owns the worker
// pools of the four job queues and turns imported symbols into enriched
// cards: resolve the reading, fetch or generate image and audio through
// the shared media cache, persist the card and publish progress.
package processor

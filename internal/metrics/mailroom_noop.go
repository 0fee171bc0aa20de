package metrics

// NoopCollector discards all metrics.
type NoopCollector struct{}

func (NoopCollector) CycleCompleted(trigger string, success bool, durationSeconds float64) {}

func (NoopCollector) MessagesSwept(count int) {}

func (NoopCollector) SenderProcessed(outcome string) {}

func (NoopCollector) ConflictDetected(count int) {}

func (NoopCollector) StreamReconnected() {}

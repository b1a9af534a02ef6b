package metrics

// NoopCollector discards every metric.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened() {}
func (n *NoopCollector) ConnectionClosed() {}
func (n *NoopCollector) ConnectionRefused() {}
func (n *NoopCollector) TLSConnectionEstablished() {}
func (n *NoopCollector) CommandProcessed(command string) {}
func (n *NoopCollector) AuthAttempt(mechanism string, success bool) {}
func (n *NoopCollector) MessageReceived(recipientDomain string, size int64) {}
func (n *NoopCollector) MessageRejected(recipientDomain, reason string) {}
func (n *NoopCollector) PolicyRejection(stage string) {}

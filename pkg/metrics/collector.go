package metrics

import "time"

// CoordinatorSource is implemented by pkg/coordinator.Coordinator, and
// LoadBalancerSource by pkg/lb.LoadBalancer: sources Collector polls on
// an interval to keep the coordinator/load-balancer liveness gauges
// current.
type CoordinatorSource interface {
	LiveCounts() map[string]int
}

type LoadBalancerSource interface {
	LiveFrontEndCount() int
}

// Collector periodically samples a coordinator's and/or a load
// balancer's liveness view and publishes it as Prometheus gauges.
// Either source may be nil, in which case its gauges are left alone.
type Collector struct {
	coordinator CoordinatorSource
	lb          LoadBalancerSource
	interval    time.Duration
	stopCh      chan struct{}
}

// NewCollector constructs a Collector. interval <= 0 defaults to 5s.
func NewCollector(coordinator CoordinatorSource, lb LoadBalancerSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		coordinator: coordinator,
		lb:          lb,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics in the background until Stop is
// called.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.coordinator != nil {
		for group, count := range c.coordinator.LiveCounts() {
			CoordinatorLiveNodes.WithLabelValues(group).Set(float64(count))
		}
	}
	if c.lb != nil {
		LoadBalancerLiveFrontEnds.Set(float64(c.lb.LiveFrontEndCount()))
	}
}

package metrics

import (
	"context"
	"time"

	"github.com/fleetlab/fleetd/pkg/store"
)

// Collector periodically samples pkg/store state into the gauge metrics
// above, so they reflect current fleet composition even between mutations.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over st.
func NewCollector(st store.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	ctx := context.Background()
	c.collectNodeMetrics(ctx)
	c.collectVMMetrics(ctx)
}

func (c *Collector) collectNodeMetrics(ctx context.Context) {
	nodes, err := c.store.GetAllNodes(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, node := range nodes {
		counts[string(node.Status)]++
		NodeReservedComputePoints.WithLabelValues(node.ID).Set(node.Reserved.ComputePoints)
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectVMMetrics(ctx context.Context) {
	vms, err := c.store.GetAllVMs(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, vm := range vms {
		counts[string(vm.Status)]++
	}
	for status, count := range counts {
		VMsTotal.WithLabelValues(status).Set(float64(count))
	}
}

package miner

import (
	"time"
)

// DefaultHashrateInterval is how often the hash counter is sampled.
const DefaultHashrateInterval = 10 * time.Second

// runHashrateLogger samples and resets the shared hash counter every
// interval. Once hashes have been seen, an empty interval is logged as
// idle so a dead worker fleet stays visible.
func (m *Manager) runHashrateLogger(interval time.Duration) {
	defer close(m.loggerDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		seen       bool
		last       = time.Now()
		lastActive = last
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			hashes := m.hashes.Swap(0)
			elapsed := now.Sub(last)
			last = now

			switch {
			case hashes > 0:
				seen = true
				lastActive = now
				m.logger.LogHashrate(hashes, elapsed)
			case seen && !m.synced.Load():
				m.logger.LogIdle("not synced", now.Sub(lastActive))
			case seen:
				m.logger.LogIdle("stalled", now.Sub(lastActive))
			}

			m.reporter.Hashrate(hashes, elapsed)
		}
	}
}

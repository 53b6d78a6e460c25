package monitor

import (
	"context"
	"log"
)

// Reconcile makes the registry match want: targets not in want are removed,
// new ones are added and started, and targets whose connection settings
// changed are replaced and restarted. Targets that are already registered
// and unchanged are left alone, including stopped ones.
func (m *Manager) Reconcile(ctx context.Context, want []TargetConfig) {
	wanted := make(map[uint]TargetConfig, len(want))
	order := make([]uint, 0, len(want))
	for _, cfg := range want {
		cfg = cfg.normalized()
		if _, dup := wanted[cfg.ID]; !dup {
			order = append(order, cfg.ID)
		}
		wanted[cfg.ID] = cfg
	}

	for _, t := range m.Targets() {
		if ctx.Err() != nil {
			return
		}
		cfg, ok := wanted[t.cfg.ID]
		switch {
		case !ok:
			m.Remove(t.cfg.ID)
		case cfg != t.cfg:
			log.Printf("[monitor] target %s changed, restarting", cfg.Name)
			m.Remove(t.cfg.ID)
		default:
			delete(wanted, t.cfg.ID)
		}
	}

	for _, id := range order {
		if ctx.Err() != nil {
			return
		}
		cfg, pending := wanted[id]
		if !pending {
			continue
		}
		t, err := m.Add(cfg)
		if err != nil {
			log.Printf("[monitor] reconcile: %v", err)
			continue
		}
		t.Start()
	}
}

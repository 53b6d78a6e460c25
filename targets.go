package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/neur0map/deskmon/internal/config"
	"github.com/neur0map/deskmon/internal/credstore"
	"github.com/neur0map/deskmon/internal/database"
	"github.com/neur0map/deskmon/internal/monitor"
)

// desiredTargets lists the enabled targets in the database as monitor
// configurations.
func desiredTargets() ([]monitor.TargetConfig, error) {
	rows, err := database.ListEnabledTargets()
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]monitor.TargetConfig, 0, len(rows))
	for _, t := range rows {
		out = append(out, monitor.TargetConfig{
			ID:          t.ID,
			Name:        t.Name,
			Host:        t.Host,
			Port:        t.Port,
			Username:    t.Username,
			ServicePort: t.ServicePort,
		})
	}
	return out, nil
}

// reconcileTargets brings the monitor in line with the database. Targets
// added or edited through the CLI are picked up here.
func reconcileTargets(ctx context.Context, mgr *monitor.Manager) {
	want, err := desiredTargets()
	if err != nil {
		log.Printf("Reconcile: %v", err)
		return
	}
	mgr.Reconcile(ctx, want)
}

func startReconcileJob(ctx context.Context, mgr *monitor.Manager, schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { reconcileTargets(ctx, mgr) }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("Reconcile job scheduled (%s)", schedule)
	return c, nil
}

// seedTargets imports the YAML targets file. Targets that already exist by
// name are left untouched so edits made later through the CLI survive
// restarts.
func seedTargets(path string) error {
	specs, err := config.LoadTargets(path)
	if err != nil {
		return err
	}

	store := credstore.New()
	for _, spec := range specs {
		if _, err := database.GetTargetByName(spec.Name); err == nil {
			continue
		} else if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("look up %s: %w", spec.Name, err)
		}

		t := database.Target{
			Name:        spec.Name,
			Host:        spec.Host,
			Port:        spec.Port,
			Username:    spec.Username,
			ServicePort: spec.ServicePort,
			Enabled:     !spec.Disabled,
		}
		if err := database.CreateTarget(&t); err != nil {
			return err
		}
		log.Printf("Imported target %s (%s@%s:%d)", t.Name, t.Username, t.Host, t.Port)

		if spec.PasswordEnv == "" {
			continue
		}
		pw := os.Getenv(spec.PasswordEnv)
		if pw == "" {
			log.Printf("WARNING: %s is empty, target %s has no password", spec.PasswordEnv, t.Name)
			continue
		}
		if err := store.SavePassword(t.ID, pw); err != nil {
			return err
		}
	}
	return nil
}

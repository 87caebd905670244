package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Activate deletes every cache generation except the current one, then claims
// all clients. Running it again with the same version deletes nothing.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	logrus.Infof("Activating worker for cache %s", w.version)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}

	// deletions are independent, a failed one does not stop the others
	var g errgroup.Group
	for _, name := range names {
		if name == w.version {
			continue
		}
		g.Go(func() error {
			deleted, err := w.storage.Delete(ctx, name)
			if err != nil {
				return err
			}
			if deleted {
				w.metrics.GenerationsDeleted.Inc()
				logrus.Infof("Deleted old cache %s", name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.Errorf("Activation failed for cache %s: %v", w.version, err)
		return fmt.Errorf("activation failed: %w", err)
	}

	w.setState(StateActivated)
	logrus.Infof("Activation complete for cache %s", w.version)

	w.host.Claim(w)
	return nil
}

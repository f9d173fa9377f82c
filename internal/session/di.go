package session

import (
	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/config"
	"github.com/foxseedlab/intervista/internal/metrics"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/foxseedlab/intervista/internal/repository"
	"github.com/foxseedlab/intervista/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		dialer := do.MustInvoke[realtime.Dialer](i)
		repo := do.MustInvoke[repository.Repository](i)
		wh := do.MustInvoke[webhook.Sender](i)
		rec := do.MustInvoke[metrics.Recorder](i)
		newSource := do.MustInvoke[audio.SourceFactory](i)
		return NewManager(cfg, dialer, repo, wh, rec, newSource, NewRegistry()), nil
	})
}

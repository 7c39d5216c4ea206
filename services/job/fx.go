package job

import "go.uber.org/fx"

var Module = fx.Module("job.service",
	fx.Provide(NewService),
)

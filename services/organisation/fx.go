package organisation

import "go.uber.org/fx"

var Module = fx.Module("organisation.service",
	fx.Provide(NewService, NewHandler),
)

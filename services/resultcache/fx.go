package resultcache

import "go.uber.org/fx"

var Module = fx.Module("resultcache", fx.Provide(New))

package history

// StoreType represents the type of history store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQLite StoreType = "sqlite"
)

// NewStore creates a history store of the given type. Redis requires
// WithRedisClient; sqlite requires WithSQLitePath.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{}
	for _, opt := range opts {
		opt(config)
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(), nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(config.redisClient, config.redisTTL), nil

	case StoreTypeSQLite:
		if config.sqlitePath == "" {
			return nil, ErrInvalidConfig
		}
		return newSQLiteStore(config.sqlitePath)

	default:
		return nil, ErrInvalidStoreType
	}
}

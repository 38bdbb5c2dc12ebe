package models

const (
	// MaxRetries is the number of failed attempts after which an operation is evicted.
	MaxRetries = 5

	// DefaultRedisPrefix namespaces every key written by the redis store and dead-letter sink.
	DefaultRedisPrefix = "fieldsync"

	// DeadLetterLimit caps the redis dead-letter list.
	DeadLetterLimit = 1000

	// DefaultProbeInterval is the connectivity probe period in seconds.
	DefaultProbeInterval = 15

	// DefaultProbeTimeout bounds a single connectivity probe in seconds.
	DefaultProbeTimeout = 5

	// DefaultRemoteTimeout bounds a single executor call in seconds.
	DefaultRemoteTimeout = 30
)

const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

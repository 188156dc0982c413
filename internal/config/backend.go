package config

// ConfigBackend is where `naviya config set` persists values. The default
// is a JSON file under $XDG_CONFIG_HOME/naviya.
type ConfigBackend interface {
	// Lookup returns the stored value for key as text.
	Lookup(key string) (raw string, ok bool, err error)
	Store(key string, val any) error
	Delete(key string) error
}

package iface

type ClosableStorage interface {
	Close() error
}

type KVStorage interface {
	Put(k, v []byte) error
	Get(k []byte) ([]byte, bool, error)
	Delete(k []byte) error
	// Keys lists the keys starting with prefix in lexical order.
	Keys(prefix string) ([]string, error)
}

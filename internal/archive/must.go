package archive

import "go.etcd.io/bbolt"

// panicSentinel identifies panics raised by the must* helpers.
type panicSentinel struct {
	cause error
}

// must panics if err is non-nil.
func must(err error) {
	if err != nil {
		panic(panicSentinel{err})
	}
}

// recoverMust recovers from a panic raised by must and assigns the cause to
// *err. Any other panic is re-raised.
func recoverMust(err *error) {
	switch v := recover().(type) {
	case panicSentinel:
		*err = v.cause
	case nil:
		return
	default:
		panic(v)
	}
}

func mustCreateBucket(tx *bbolt.Tx, name []byte) *bbolt.Bucket {
	b, err := tx.CreateBucketIfNotExists(name)
	must(err)
	return b
}

func mustPut(b *bbolt.Bucket, k, v []byte) {
	must(b.Put(k, v))
}

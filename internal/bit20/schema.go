package bit20

import "go.etcd.io/bbolt"

// Bucket names owned exclusively by this package. The driver's Tables type
// (internal/index) knows nothing about these; bit20 opens them directly
// against the same write transaction it is handed, via Open.
var (
	bucketToken             = []byte("bit20_token")
	bucketBalance           = []byte("bit20_balance")
	bucketInscribeTransfer  = []byte("bit20_inscribe_transfer")
	bucketTransferableLog   = []byte("bit20_transferable_log")
	allBuckets              = [][]byte{bucketToken, bucketBalance, bucketInscribeTransfer, bucketTransferableLog}
)

// Tables aggregates this package's bucket handles for one transaction.
type Tables struct {
	token            *bbolt.Bucket
	balance          *bbolt.Bucket
	inscribeTransfer *bbolt.Bucket
	transferableLog  *bbolt.Bucket
}

// Open returns handles to this package's buckets inside tx. It only looks
// the buckets up and does not create them, so it is safe to call from both
// read and write transactions; a bucket that does not exist yet yields a nil
// handle. EnsureBuckets creates them.
func Open(tx *bbolt.Tx) *Tables {
	return &Tables{
		token:            tx.Bucket(bucketToken),
		balance:          tx.Bucket(bucketBalance),
		inscribeTransfer: tx.Bucket(bucketInscribeTransfer),
		transferableLog:  tx.Bucket(bucketTransferableLog),
	}
}

// EnsureBuckets creates this package's buckets if absent. The driver calls
// it inside each block's write transaction, just before Apply.
func EnsureBuckets(tx *bbolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

package offline

import "errors"

var (
	ErrQuotaExceeded        = errors.New("storage quota exceeded")
	ErrVersionRegression    = errors.New("asset version regression")
	ErrAssetNotFound        = errors.New("asset not found")
	ErrSerializationFailure = errors.New("payload serialization failure")

	ErrSyncRejected           = errors.New("mutation rejected by remote")
	ErrNetworkUnavailable     = errors.New("network unavailable")
	ErrMutationRetryExhausted = errors.New("mutation retry ceiling reached")

	ErrRecordNotFound = errors.New("record not found")
)

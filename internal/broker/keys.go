package broker

import "fmt"

// Key-naming scheme. Mirrors the flat, colon-delimited convention used
// throughout the system this was adapted from.
const (
	keyInflightPrefix    = "tts:inflight:"
	keySubscribersPrefix = "tts:subscribers:"
	keyPendingPrefix     = "tts:pending:"
	keyPendingIndexPrefix = "tts:pending-index:"
	keyJobsPrefix        = "tts:jobs:"
	keyQueuePrefix       = "tts:queue:"
	keyProcessingPrefix  = "tts:processing:"
	keyChannelPrefix     = "tts:channel:"

	KeyResults     = "tts:results"
	KeyBilling     = "tts:billing"
	KeyDeadLetter  = "tts:deadletter"
)

// InflightKey is the singleflight lock key for a fingerprint.
func InflightKey(fingerprint string) string {
	return keyInflightPrefix + fingerprint
}

// SubscribersKey is the subscriber set key for a fingerprint.
func SubscribersKey(fingerprint string) string {
	return keySubscribersPrefix + fingerprint
}

// PendingKey is the per-user-document pending block-index set.
func PendingKey(userID, documentID string) string {
	return fmt.Sprintf("%s%s:%s", keyPendingPrefix, userID, documentID)
}

// PendingIndexKey maps a (user, document, block) triple to the job UUID that
// currently services it, so eviction is O(1) per block.
func PendingIndexKey(userID, documentID string) string {
	return fmt.Sprintf("%s%s:%s", keyPendingIndexPrefix, userID, documentID)
}

// QueueName is the sorted-set priority index for a model's queue.
func QueueName(modelSlug string) string {
	return keyQueuePrefix + modelSlug
}

// JobsKey is the hash map of job bodies for a model's queue.
func JobsKey(modelSlug string) string {
	return keyJobsPrefix + modelSlug
}

// ProcessingKey is a worker's hash map of in-flight processing entries.
func ProcessingKey(workerID string) string {
	return keyProcessingPrefix + workerID
}

// Channel is the per-user-document pub/sub channel name.
func Channel(userID, documentID string) string {
	return fmt.Sprintf("%s%s:%s", keyChannelPrefix, userID, documentID)
}

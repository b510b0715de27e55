package pipelines

// Bus keys shared across stages. Every stage declares which of these it
// requires and produces; the executor enforces both.
const (
	// KeyDate is the ingestion date of the run (time.Time).
	KeyDate = "date"
	// KeyAPIKey is the resolved source API key (string).
	KeyAPIKey = "api_key"
	// KeyRawBatches holds the fetched raw record sets ([]entity.RawBatch).
	KeyRawBatches = "raw_batches"
	// KeyRawObjects holds the raw payloads pending archive ([]Object).
	KeyRawObjects = "raw_objects"
	// KeyCanonical holds the normalized record set (entity.CanonicalBatch).
	KeyCanonical = "canonical"
	// KeyShardTable is the dated partition table name (string).
	KeyShardTable = "shard_table"
)

// Object is one payload destined for the object-storage archive. An
// empty Key gets a run-timestamped name when archived.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
}

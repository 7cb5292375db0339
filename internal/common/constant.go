package common

// AccessTokenHeaderName is the gRPC metadata key (and fallback HTTP header)
// used to carry the access token on inbound requests.
const AccessTokenHeaderName = "access_token"

// gRPC metadata keys and HTTP headers describing an ingest stream.
const (
	FileNameHeaderName    = "x-file-name"
	ContentTypeHeaderName = "x-content-type"
	SizeHintHeaderName    = "x-size-hint"
)

// MaxObjectSize is the largest object the engine accepts (4 GiB).
const MaxObjectSize int64 = 4 << 30

// LinkTokenBytes is the number of random bytes behind a link token.
const LinkTokenBytes = 32

package resumux

import "github.com/aleksikoho/resumux/internal/protocol"

// validate enforces the preconditions an UploadRequest must satisfy before
// a Driver will act on it. Returns a *ConfigurationError on the first
// violation found.
func (r *UploadRequest) validate() error {
	if r.Protocol != ProtocolV1 && r.Protocol != ProtocolDraft {
		return &ConfigurationError{Reason: "unknown protocol"}
	}

	if r.Endpoint == "" && r.UploadURL == "" {
		return &ConfigurationError{Reason: "no endpoint and no upload URL"}
	}

	parallel := r.ParallelUploads > 1

	if parallel {
		if r.UploadURL != "" {
			return &ConfigurationError{Reason: "parallelUploads>1 together with uploadUrl"}
		}

		if r.UploadSize != nil {
			return &ConfigurationError{Reason: "parallelUploads>1 together with uploadSize"}
		}

		if r.UploadLengthDeferred {
			return &ConfigurationError{Reason: "parallelUploads>1 together with uploadLengthDeferred"}
		}
	}

	if len(r.ParallelBoundaries) > 0 {
		if !parallel {
			return &ConfigurationError{Reason: "parallelBoundaries set while parallelUploads<=1"}
		}

		if len(r.ParallelBoundaries) != r.ParallelUploads {
			return &ConfigurationError{Reason: "parallelBoundaries length mismatching parallelUploads"}
		}
	}

	for k := range r.Metadata {
		if !protocol.ValidMetadataKey(k) {
			return &ConfigurationError{Reason: "metadata key " + k + " contains space, comma, or non-ASCII"}
		}
	}

	if r.Transport == nil {
		return &ConfigurationError{Reason: "no Transport capability configured"}
	}

	if r.SourceOpener == nil {
		return &ConfigurationError{Reason: "no SourceOpener capability configured"}
	}

	return nil
}

// normalized returns a copy of r with defaults applied (ParallelUploads>=1).
func (r UploadRequest) normalized() UploadRequest {
	if r.ParallelUploads < 1 {
		r.ParallelUploads = 1
	}

	return r
}

package session_transcript

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const ANDROID_HANDOVER_V1 = "AndroidHandoverv1"

// AndroidHandoverV1 builds the session transcript for requests arriving via
// the Android identity credential API, binding the calling app's package name.
func AndroidHandoverV1(nonce []byte, packageName string, requesterIDHash []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if packageName == "" {
		return nil, fmt.Errorf("packageName cannot be empty")
	}
	if len(requesterIDHash) == 0 {
		return nil, fmt.Errorf("requesterIDHash cannot be empty")
	}

	androidHandover := []interface{}{
		ANDROID_HANDOVER_V1,
		nonce,
		[]byte(packageName),
		requesterIDHash,
	}

	sessionTranscript := []interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		androidHandover,
	}

	transcript, err := cbor.Marshal(sessionTranscript)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}

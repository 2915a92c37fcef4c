package session_transcript

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const BROWSER_HANDOVER_V1 = "BrowserHandoverv1"

type OriginInfo struct {
	Cat     int     `json:"cat"`
	Type    int     `json:"type"`
	Details Details `json:"details"`
}

type Details struct {
	BaseURL string `json:"baseUrl"`
}

// BrowserHandoverV1 builds the session transcript for cross-device browser
// transports: the requesting origin is bound into the handover so a response
// relayed to another site fails verification.
func BrowserHandoverV1(nonce []byte, origin string, requesterIDHash []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if len(requesterIDHash) == 0 {
		return nil, fmt.Errorf("requesterIDHash cannot be empty")
	}

	originInfo := OriginInfo{
		Cat:  1,
		Type: 1,
		Details: Details{
			BaseURL: origin,
		},
	}
	originInfoBytes, err := cbor.Marshal(originInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode origin info: %w", err)
	}

	browserHandover := []interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		[]interface{}{ // BrowserHandover
			BROWSER_HANDOVER_V1,
			nonce,
			originInfoBytes,
			requesterIDHash,
		},
	}

	transcript, err := cbor.Marshal(browserHandover)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}

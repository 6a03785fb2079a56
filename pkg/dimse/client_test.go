package dimse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAssociateAccept assembles an A-ASSOCIATE-AC body granting the given
// result per presentation context ID
func buildAssociateAccept(results map[byte]byte) []byte {
	var body []byte
	body = append(body, 0x00, 0x01, 0x00, 0x00)
	body = append(body, padAET("MOKSHASERVER")...)
	body = append(body, padAET("MDPROXY")...)
	body = append(body, make([]byte, 32)...)
	body = append(body, buildUIDItem(0x10, "1.2.840.10008.3.1.1.1")...)

	for _, id := range []byte{pcIDFind, pcIDEcho} {
		result, ok := results[id]
		if !ok {
			continue
		}
		pc := []byte{id, 0x00, result, 0x00}
		pc = append(pc, buildUIDItem(0x40, implicitVRLittleEndian)...)
		item := []byte{0x21, 0x00, byte(len(pc) >> 8), byte(len(pc))}
		body = append(body, item...)
		body = append(body, pc...)
	}
	return body
}

func TestParsePresentationResults(t *testing.T) {
	body := buildAssociateAccept(map[byte]byte{pcIDFind: 0x00, pcIDEcho: 0x03})

	results, err := parsePresentationResults(body)
	require.NoError(t, err)
	assert.Equal(t, byte(pcAccepted), results[pcIDFind])
	assert.Equal(t, byte(0x03), results[pcIDEcho])
}

func TestParsePresentationResultsTruncated(t *testing.T) {
	body := buildAssociateAccept(map[byte]byte{pcIDFind: 0x00})

	_, err := parsePresentationResults(body[:40])
	assert.Error(t, err)

	_, err = parsePresentationResults(body[:len(body)-3])
	assert.Error(t, err)
}

func TestCEchoRejectedPresentationContext(t *testing.T) {
	// Association accepted with C-FIND only; Verification was refused
	a := &Association{
		isConnected: true,
		pcResults:   map[byte]byte{pcIDFind: 0x00, pcIDEcho: 0x03},
	}

	err := a.CEcho(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presentation context rejected")
}

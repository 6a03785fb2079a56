package dimse

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// PDU types
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduDataTF      = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Presentation context IDs offered in the A-ASSOCIATE-RQ. Only Study Root
// C-FIND and Verification are negotiated; both use Implicit VR Little Endian,
// which is what the dataset codec speaks.
const (
	pcIDFind = 1
	pcIDEcho = 3
)

// pcAccepted is the acceptance result in an A-ASSOCIATE-AC presentation
// context item; any other value rejects that context
const pcAccepted = 0x00

const implicitVRLittleEndian = "1.2.840.10008.1.2"

// Association represents a DICOM association with a PACS
type Association struct {
	conn         net.Conn
	callingAET   string
	calledAET    string
	host         string
	port         int
	maxPDULength uint32
	timeout      time.Duration
	mu           sync.Mutex
	isConnected  bool
	lastUsed     time.Time
	messageID    uint16
	pcResults    map[byte]byte
}

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32
}

// NewAssociation creates a new DICOM association
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}

	return &Association{
		callingAET:   config.CallingAET,
		calledAET:    config.CalledAET,
		host:         config.Host,
		port:         config.Port,
		maxPDULength: config.MaxPDULength,
		timeout:      config.Timeout,
	}
}

// Connect establishes the TCP connection and negotiates the association
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isConnected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	dialer := &net.Dialer{Timeout: a.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to PACS: %w", err)
	}

	a.conn = conn
	a.isConnected = true
	a.lastUsed = time.Now()

	if err := a.writePDU(pduAssociateRQ, a.buildAssociateRequest()); err != nil {
		a.closeLocked()
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pduType, data, err := a.readPDU()
	if err != nil {
		a.closeLocked()
		return fmt.Errorf("failed to receive associate response: %w", err)
	}
	if pduType == pduAssociateRJ {
		a.closeLocked()
		return fmt.Errorf("association rejected by %s", a.calledAET)
	}
	if pduType != pduAssociateAC {
		a.closeLocked()
		return fmt.Errorf("unexpected PDU type during association: 0x%02x", pduType)
	}

	results, err := parsePresentationResults(data)
	if err != nil {
		a.closeLocked()
		return fmt.Errorf("malformed associate response from %s: %w", a.calledAET, err)
	}
	a.pcResults = results

	// The query channel is useless without C-FIND; fail loudly here instead
	// of surfacing an opaque receive error on the first query
	result, ok := results[pcIDFind]
	if !ok {
		a.closeLocked()
		return fmt.Errorf("no C-FIND presentation context in associate response from %s", a.calledAET)
	}
	if result != pcAccepted {
		a.closeLocked()
		return fmt.Errorf("C-FIND presentation context rejected by %s (result %d)", a.calledAET, result)
	}

	return nil
}

// pcResult returns the negotiated result for a presentation context ID
func (a *Association) pcResult(id byte) (byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result, ok := a.pcResults[id]
	return result, ok
}

// parsePresentationResults extracts the per-presentation-context results from
// an A-ASSOCIATE-AC body: the 68-byte fixed header, then a sequence of items
// of which type 0x21 carries a context ID and its result.
func parsePresentationResults(data []byte) (map[byte]byte, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("associate response body too short: %d bytes", len(data))
	}

	results := make(map[byte]byte)
	for off := 68; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("truncated item header at offset %d", off)
		}
		itemType := data[off]
		length := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		off += 4

		if len(data)-off < length {
			return nil, fmt.Errorf("truncated item 0x%02x", itemType)
		}
		if itemType == 0x21 && length >= 4 {
			results[data[off]] = data[off+2]
		}
		off += length
	}
	return results, nil
}

// Close releases the association and closes the connection
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Association) closeLocked() error {
	if !a.isConnected {
		return nil
	}

	// Best-effort A-RELEASE-RQ before dropping the socket
	release := make([]byte, 4)
	_ = a.writePDU(pduReleaseRQ, release)

	a.isConnected = false
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// IsConnected checks if the association is still active
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isConnected
}

// UpdateLastUsed updates the last used timestamp
func (a *Association) UpdateLastUsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUsed = time.Now()
}

// GetLastUsed returns the last used timestamp
func (a *Association) GetLastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// nextMessageID returns the next DIMSE message ID for this association
func (a *Association) nextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageID++
	return a.messageID
}

// writePDU writes one PDU with the standard 6-byte header
func (a *Association) writePDU(pduType byte, data []byte) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.timeout)); err != nil {
		return err
	}

	hdr := make([]byte, 6)
	hdr[0] = pduType
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(data)))

	if _, err := a.conn.Write(hdr); err != nil {
		return err
	}
	_, err := a.conn.Write(data)
	return err
}

// readPDU reads one complete PDU
func (a *Association) readPDU() (byte, []byte, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.timeout)); err != nil {
		return 0, nil, err
	}

	hdr := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, hdr); err != nil {
		return 0, nil, fmt.Errorf("failed to read PDU header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return 0, nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return hdr[0], data, nil
}

// sendMessage sends a DIMSE command set and optional dataset on the given
// presentation context, fragmenting into PDVs that respect the negotiated
// maximum PDU length.
func (a *Association) sendMessage(pcID byte, command Dataset, identifier Dataset) error {
	cmdBytes, err := encodeCommand(command)
	if err != nil {
		return fmt.Errorf("failed to encode command set: %w", err)
	}

	if err := a.sendFragments(pcID, cmdBytes, true); err != nil {
		return fmt.Errorf("failed to send command PDVs: %w", err)
	}

	if identifier != nil {
		dsBytes, err := encodeElements(identifier)
		if err != nil {
			return fmt.Errorf("failed to encode identifier: %w", err)
		}
		if err := a.sendFragments(pcID, dsBytes, false); err != nil {
			return fmt.Errorf("failed to send dataset PDVs: %w", err)
		}
	}

	return nil
}

// sendFragments writes data as one or more P-DATA-TF PDUs
func (a *Association) sendFragments(pcID byte, data []byte, isCommand bool) error {
	// PDV overhead: 4-byte length + context ID + message control header
	maxChunk := int(a.maxPDULength) - 6
	if maxChunk <= 0 {
		maxChunk = len(data)
	}

	for off := 0; ; {
		end := off + maxChunk
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		chunk := data[off:end]

		var control byte
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		pdv := make([]byte, 6+len(chunk))
		binary.BigEndian.PutUint32(pdv[0:4], uint32(2+len(chunk)))
		pdv[4] = pcID
		pdv[5] = control
		copy(pdv[6:], chunk)

		if err := a.writePDU(pduDataTF, pdv); err != nil {
			return err
		}

		if last {
			return nil
		}
		off = end
	}
}

// receiveMessage reads PDVs until a complete command set, and dataset if the
// command announces one, have been assembled.
func (a *Association) receiveMessage() (Dataset, Dataset, error) {
	var cmdBuf, dsBuf []byte
	cmdDone, wantDataset, dsDone := false, false, false

	for !cmdDone || (wantDataset && !dsDone) {
		pduType, data, err := a.readPDU()
		if err != nil {
			return nil, nil, err
		}

		switch pduType {
		case pduDataTF:
			// Each P-DATA-TF may carry several PDVs
			for off := 0; off < len(data); {
				if len(data)-off < 6 {
					return nil, nil, fmt.Errorf("truncated PDV at offset %d", off)
				}
				pdvLen := binary.BigEndian.Uint32(data[off : off+4])
				if pdvLen < 2 || uint32(len(data)-off-4) < pdvLen {
					return nil, nil, fmt.Errorf("invalid PDV length %d", pdvLen)
				}
				control := data[off+5]
				fragment := data[off+6 : off+4+int(pdvLen)]
				off += 4 + int(pdvLen)

				if control&0x01 != 0 {
					cmdBuf = append(cmdBuf, fragment...)
					if control&0x02 != 0 {
						cmdDone = true
						cmd, err := decodeElements(cmdBuf)
						if err != nil {
							return nil, nil, fmt.Errorf("failed to decode command set: %w", err)
						}
						if dsType, ok := cmd.GetInt(TagCommandDataSetType); ok && dsType != DataSetTypeNull {
							wantDataset = true
						}
					}
				} else {
					dsBuf = append(dsBuf, fragment...)
					if control&0x02 != 0 {
						dsDone = true
					}
				}
			}
		case pduAbort:
			return nil, nil, fmt.Errorf("association aborted by peer")
		default:
			return nil, nil, fmt.Errorf("unexpected PDU type 0x%02x while awaiting P-DATA-TF", pduType)
		}
	}

	command, err := decodeElements(cmdBuf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode command set: %w", err)
	}

	var identifier Dataset
	if wantDataset {
		identifier, err = decodeElements(dsBuf)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode identifier: %w", err)
		}
	}

	return command, identifier, nil
}

// buildAssociateRequest builds the A-ASSOCIATE-RQ PDU body
func (a *Association) buildAssociateRequest() []byte {
	var pdu []byte

	// Protocol version + reserved
	pdu = append(pdu, 0x00, 0x01, 0x00, 0x00)
	pdu = append(pdu, padAET(a.calledAET)...)
	pdu = append(pdu, padAET(a.callingAET)...)
	pdu = append(pdu, make([]byte, 32)...)

	pdu = append(pdu, buildUIDItem(0x10, "1.2.840.10008.3.1.1.1")...)
	pdu = append(pdu, buildPresentationContext(pcIDFind, StudyRootQRFindSOPClass)...)
	pdu = append(pdu, buildPresentationContext(pcIDEcho, VerificationSOPClass)...)
	pdu = append(pdu, a.buildUserInformation()...)

	return pdu
}

// buildPresentationContext builds one Presentation Context item offering
// Implicit VR Little Endian only
func buildPresentationContext(id byte, sopClass string) []byte {
	var body []byte
	body = append(body, id, 0x00, 0x00, 0x00)
	body = append(body, buildUIDItem(0x30, sopClass)...)
	body = append(body, buildUIDItem(0x40, implicitVRLittleEndian)...)

	item := []byte{0x20, 0x00}
	item = append(item, byte(len(body)>>8), byte(len(body)))
	return append(item, body...)
}

// buildUIDItem builds a generic UID sub-item (application context, abstract
// syntax, transfer syntax)
func buildUIDItem(itemType byte, uid string) []byte {
	item := []byte{itemType, 0x00}
	item = append(item, byte(len(uid)>>8), byte(len(uid)))
	return append(item, []byte(uid)...)
}

// buildUserInformation builds the User Information item
func (a *Association) buildUserInformation() []byte {
	var body []byte

	maxLength := []byte{0x51, 0x00, 0x00, 0x04}
	maxLength = append(maxLength,
		byte(a.maxPDULength>>24),
		byte(a.maxPDULength>>16),
		byte(a.maxPDULength>>8),
		byte(a.maxPDULength),
	)
	body = append(body, maxLength...)
	body = append(body, buildUIDItem(0x52, "1.2.826.0.1.3680043.9.7433.2.1")...)

	implVersion := "JPEG_EXPORT_V1"
	implVer := []byte{0x55, 0x00}
	implVer = append(implVer, byte(len(implVersion)>>8), byte(len(implVersion)))
	implVer = append(implVer, []byte(implVersion)...)
	body = append(body, implVer...)

	item := []byte{0x50, 0x00}
	item = append(item, byte(len(body)>>8), byte(len(body)))
	return append(item, body...)
}

// padAET pads an AE Title to 16 bytes with spaces
func padAET(aet string) []byte {
	result := make([]byte, 16)
	copy(result, []byte(aet))
	for i := len(aet); i < 16; i++ {
		result[i] = ' '
	}
	return result
}

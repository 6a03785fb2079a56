package dimse

import (
	"context"
	"fmt"
	"strconv"
)

// CEcho performs a C-ECHO verification against the PACS. Used by the health
// endpoint to confirm the query channel is alive.
func (a *Association) CEcho(ctx context.Context) error {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}

	if result, ok := a.pcResult(pcIDEcho); ok && result != pcAccepted {
		return fmt.Errorf("verification presentation context rejected by peer (result %d)", result)
	}

	a.UpdateLastUsed()

	command := Dataset{
		TagAffectedSOPClass:   VerificationSOPClass,
		TagCommandField:       strconv.Itoa(CommandCEchoRQ),
		TagMessageID:          strconv.Itoa(int(a.nextMessageID())),
		TagCommandDataSetType: strconv.Itoa(DataSetTypeNull),
	}

	if err := a.sendMessage(pcIDEcho, command, nil); err != nil {
		return fmt.Errorf("failed to send C-ECHO request: %w", err)
	}

	rspCommand, _, err := a.receiveMessage()
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO response: %w", err)
	}

	status, ok := rspCommand.GetInt(TagStatus)
	if !ok {
		return fmt.Errorf("C-ECHO response missing status")
	}
	if status != StatusSuccess {
		return fmt.Errorf("C-ECHO failed with status: 0x%04x", status)
	}

	return nil
}

package dimse

import (
	"context"
	"fmt"
	"strconv"
)

// CFind performs a Study Root C-FIND with the given identifier and returns
// one dataset per matching entity. The identifier must carry
// QueryRetrieveLevel plus the matching and return keys; empty values request
// universal matching, following the usual C-FIND convention.
func (a *Association) CFind(ctx context.Context, identifier Dataset) ([]Dataset, error) {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
	}

	a.UpdateLastUsed()

	command := Dataset{
		TagAffectedSOPClass:   StudyRootQRFindSOPClass,
		TagCommandField:       strconv.Itoa(CommandCFindRQ),
		TagMessageID:          strconv.Itoa(int(a.nextMessageID())),
		TagPriority:           "0",
		TagCommandDataSetType: "0",
	}

	if err := a.sendMessage(pcIDFind, command, identifier); err != nil {
		return nil, fmt.Errorf("failed to send C-FIND request: %w", err)
	}

	var results []Dataset
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rspCommand, rspIdentifier, err := a.receiveMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to receive C-FIND response: %w", err)
		}

		status, ok := rspCommand.GetInt(TagStatus)
		if !ok {
			return nil, fmt.Errorf("C-FIND response missing status")
		}

		switch status {
		case StatusPending, StatusPendingWarning:
			if rspIdentifier != nil {
				results = append(results, rspIdentifier)
			}
		case StatusSuccess:
			return results, nil
		default:
			return nil, fmt.Errorf("C-FIND failed with status: 0x%04x", status)
		}
	}
}

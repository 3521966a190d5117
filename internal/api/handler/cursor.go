package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/transcribe-batch/internal/history"
)

func DecodeJobCursor(cursorStr string) (*history.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var finishedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid finishedAt in cursor: %w", err)
	}

	return &history.JobCursor{
		FinishedAt: time.Unix(0, finishedAt),
		JobID:      decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *history.JobCursor) (string, error) {
	cs := fmt.Sprintf("%d|%s", cursor.FinishedAt.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs)), nil
}

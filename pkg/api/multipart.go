package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/visionq/visionq/pkg/dispatch"
	"github.com/visionq/visionq/pkg/types"
)

// parseBatch reads the repeated images file parts and their imageIds
// text parts, aligned by index. Missing ids get generated ones; a
// malformed form fails the whole batch.
func parseBatch(r *http.Request) ([]dispatch.BatchItem, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, types.NewKindError(types.ErrKindInvalidInput,
			fmt.Errorf("failed to parse multipart form: %w", err))
	}
	if r.MultipartForm == nil {
		return nil, types.NewKindError(types.ErrKindInvalidInput,
			fmt.Errorf("request carries no multipart form"))
	}

	files := r.MultipartForm.File["images"]
	ids := r.MultipartForm.Value["imageIds"]

	items := make([]dispatch.BatchItem, 0, len(files))
	for i, header := range files {
		f, err := header.Open()
		if err != nil {
			return nil, types.NewKindError(types.ErrKindInvalidInput,
				fmt.Errorf("failed to open image part %d: %w", i, err))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, types.NewKindError(types.ErrKindInvalidInput,
				fmt.Errorf("failed to read image part %d: %w", i, err))
		}

		id := ""
		if i < len(ids) {
			id = ids[i]
		}
		if id == "" {
			id = uuid.New().String()
		}

		items = append(items, dispatch.BatchItem{
			ID:       id,
			Filename: header.Filename,
			Data:     data,
		})
	}
	return items, nil
}

package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/power-dialer/internal/service/lists"
)

type importEntriesRequest struct {
	Entries []targetRequest `json:"entries"`
}

type importEntriesResponse struct {
	ListID   string   `json:"list_id"`
	Imported int      `json:"imported"`
	EntryIDs []string `json:"entry_ids"`
}

func (h *HandlerSet) importListEntries(ctx *fiber.Ctx) error {
	if h.deps.Lists == nil {
		return errNoHistory
	}
	var req importEntriesRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	inputs := make([]lists.EntryInput, 0, len(req.Entries))
	for _, e := range req.Entries {
		inputs = append(inputs, lists.EntryInput{ContactID: e.ContactID, PhoneNumber: e.PhoneNumber})
	}
	records, err := h.deps.Lists.Import(ctx.Context(), ctx.Params("id"), inputs)
	if err != nil {
		return translateError(err)
	}

	resp := importEntriesResponse{ListID: ctx.Params("id"), Imported: len(records), EntryIDs: make([]string, 0, len(records))}
	for _, r := range records {
		resp.EntryIDs = append(resp.EntryIDs, r.ID)
	}
	return ctx.Status(http.StatusCreated).JSON(resp)
}

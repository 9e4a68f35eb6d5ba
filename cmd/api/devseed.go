package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/auth"
	"github.com/shelfkey/server/internal/cryptokit"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo/memory"
)

// seedDevData fills an in-memory store with an admin, a reader and a small
// catalog. Session tokens for both accounts go to tokens only, never to the
// log; a nil tokens writer drops them.
func seedDevData(store *memory.Store, jwtService *auth.JWTService, logger *slog.Logger, tokens io.Writer) error {
	now := time.Now().UTC()
	users := []model.User{
		{ID: uuid.New(), Email: "admin@shelfkey.dev", DisplayName: "Dev Admin", Role: model.RoleAdmin, IsActive: true, CreatedAt: now},
		{ID: uuid.New(), Email: "reader@shelfkey.dev", DisplayName: "Dev Reader", Role: model.RoleUser, IsActive: true, CreatedAt: now},
	}
	for _, u := range users {
		store.PutUser(u)
		token, err := jwtService.SignAccessToken(u.ID, u.Role)
		if err != nil {
			return err
		}
		logger.Info("dev account",
			slog.String("email", u.Email),
			slog.String("user_id", u.ID.String()),
			slog.String("role", string(u.Role)),
		)
		if tokens != nil {
			fmt.Fprintf(tokens, "dev token %s: %s\n", u.Email, token)
		}
	}

	for _, b := range []struct{ title, author string }{
		{"The Left Hand of Darkness", "Ursula K. Le Guin"},
		{"Kindred", "Octavia E. Butler"},
		{"Solaris", "Stanisław Lem"},
	} {
		book := model.Book{
			ID:         uuid.New(),
			Title:      b.title,
			Author:     b.author,
			ChunkCount: 1,
			ChunkSize:  cryptokit.DefaultChunkSize,
		}
		store.PutBook(book)
		logger.Info("dev book", slog.String("book_id", book.ID.String()), slog.String("title", book.Title))
	}
	return nil
}

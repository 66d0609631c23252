package domain

import "errors"

var (
	// ErrMissingClientID: requisição sem identificador. Erro do chamador (400).
	ErrMissingClientID = errors.New("missing client identity")

	// ErrRateLimited: rejeição esperada do algoritmo (429). Não é falha de sistema.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable: store compartilhado inacessível ou timeout.
	ErrStoreUnavailable = errors.New("bucket store unavailable")

	// ErrScriptNotLoaded: o primitivo atômico sumiu do cache do store
	// (ex: NOSCRIPT no Redis). O store recarrega e tenta uma única vez.
	ErrScriptNotLoaded = errors.New("atomic admit primitive not loaded")

	// ErrConcurrencyLimit: nenhuma vaga de concorrência dentro do timeout.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
)

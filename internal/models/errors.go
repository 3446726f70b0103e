package models

import "errors"

var (
	ErrValidation            = errors.New("validation error")
	ErrAlreadyExists         = errors.New("peer already exists")
	ErrNotFound              = errors.New("peer not found")
	ErrAddressSpaceExhausted = errors.New("address space exhausted")
	ErrKeyDerivation         = errors.New("key derivation failed")
	ErrStorage               = errors.New("storage error")
	ErrPropagation           = errors.New("propagation failed")
	ErrConfigWrite           = errors.New("config write failed")

	// ErrAddressTaken: нарушение уникальности overlay-адреса в хранилище.
	// Наружу не уходит: координатор перевыделяет адрес.
	ErrAddressTaken = errors.New("overlay address already assigned")
)

// Машинные коды ошибок в RPC-ответах.
const (
	CodeValidation            = "validation_error"
	CodeAlreadyExists         = "already_exists"
	CodeNotFound              = "not_found"
	CodeAddressSpaceExhausted = "address_space_exhausted"
	CodeKeyDerivation         = "key_derivation_error"
	CodeConfigWrite           = "config_write_error"
	CodeInternal              = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeValidation, ErrValidation},
	{CodeAlreadyExists, ErrAlreadyExists},
	{CodeNotFound, ErrNotFound},
	{CodeAddressSpaceExhausted, ErrAddressSpaceExhausted},
	{CodeKeyDerivation, ErrKeyDerivation},
	{CodeConfigWrite, ErrConfigWrite},
}

// CodeOf возвращает код для ошибки; всё неизвестное (включая ErrStorage): internal.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorForCode: обратное отображение; для internal возвращает ErrStorage.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return ErrStorage
}

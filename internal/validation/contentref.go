// Package validation содержит функции валидации входных данных.
package validation

// IsValidContentRef проверяет, что строка имеет форму контент-адреса (CIDv0 или CIDv1).
func IsValidContentRef(ref string) bool {
	if len(ref) == 46 && ref[0] == 'Q' && ref[1] == 'm' {
		for _, ch := range ref[2:] {
			if !isBase58(ch) {
				return false
			}
		}
		return true
	}

	// CIDv1 в base32: строчный мультибейс-префикс 'b', длина не короче 50 символов.
	if len(ref) >= 50 && ref[0] == 'b' {
		for _, ch := range ref[1:] {
			if !isBase32(ch) {
				return false
			}
		}
		return true
	}

	return false
}

func isBase58(ch rune) bool {
	switch {
	case ch >= '1' && ch <= '9':
		return true
	case ch >= 'A' && ch <= 'Z':
		return ch != 'I' && ch != 'O'
	case ch >= 'a' && ch <= 'z':
		return ch != 'l'
	}
	return false
}

func isBase32(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= '2' && ch <= '7')
}

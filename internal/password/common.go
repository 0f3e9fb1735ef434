package password

import (
	_ "embed"
	"strings"
	"sync"
)

//go:embed common_passwords.txt
var commonPasswordData string

var commonPasswords = sync.OnceValue(func() map[string]struct{} {
	set := make(map[string]struct{}, 128)
	for _, line := range strings.Split(commonPasswordData, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set[line] = struct{}{}
	}
	return set
})

func isCommonPassword(lowered string) bool {
	_, ok := commonPasswords()[lowered]
	return ok
}

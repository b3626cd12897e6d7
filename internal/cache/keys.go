package cache

import "fmt"

func AnswerKey(promptHash string) string {
	return fmt.Sprintf("answer:%s", promptHash)
}

func RateLimitKey(keyHash string) string {
	return fmt.Sprintf("ratelimit:%s", keyHash)
}

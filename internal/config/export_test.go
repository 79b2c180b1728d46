package config

import "time"

func NewStoreForTest(backend, databaseURL string) *Store {
	return &Store{backend: backend, databaseURL: databaseURL}
}

func NewIndexForTest(backend, path string, dimension int) *Index {
	return &Index{backend: backend, path: path, dimension: dimension}
}

func NewLLMForTest(provider, geminiAPIKey, anthropicAPIKey string) *LLM {
	return &LLM{provider: provider, geminiAPIKey: geminiAPIKey, anthropicAPIKey: anthropicAPIKey}
}

func NewAuthForTest(secret string, ttl time.Duration) *Auth {
	return &Auth{secret: secret, ttl: ttl}
}

func NewServerForTest(addr string) *Server {
	return &Server{addr: addr}
}

func NewLoggerForTest(level, format, output string) *Logger {
	return &Logger{level: level, format: format, output: output}
}

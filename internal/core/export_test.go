package core

var (
	ParseTopics = parseTopics
	CleanTitle  = cleanTitle
)

// WaitCache blocks until buffered cache writes are applied.
func (s *LLMService) WaitCache() {
	if s.cache != nil {
		s.cache.Wait()
	}
}

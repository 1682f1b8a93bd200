package catalog

// Service combines the stored catalog with the remote fetches (transcripts,
// imports) behind one value for consumers that need both.
type Service struct {
	*Repository
	*Importer
}

// NewService pairs a repository with an importer.
func NewService(repo *Repository, importer *Importer) *Service {
	return &Service{Repository: repo, Importer: importer}
}

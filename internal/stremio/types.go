// Package stremio declares the media-center client's wire schema.
package stremio

// Manifest describes the addon to the client.
type Manifest struct {
	ID            string            `json:"id"`
	Version       string            `json:"version"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Resources     []string          `json:"resources"`
	Types         []string          `json:"types"`
	IDPrefixes    []string          `json:"idPrefixes,omitempty"`
	Catalogs      []ManifestCatalog `json:"catalogs"`
	BehaviorHints map[string]bool   `json:"behaviorHints,omitempty"`
}

// ManifestCatalog is one catalog entry in the manifest.
type ManifestCatalog struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Name  string  `json:"name"`
	Extra []Extra `json:"extra,omitempty"`
}

// Extra declares one supported extra parameter for a catalog.
type Extra struct {
	Name       string   `json:"name"`
	IsRequired bool     `json:"isRequired,omitempty"`
	Options    []string `json:"options,omitempty"`
}

// Meta is the client's title record.
type Meta struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Poster      string   `json:"poster,omitempty"`
	Background  string   `json:"background,omitempty"`
	Logo        string   `json:"logo,omitempty"`
	ReleaseInfo string   `json:"releaseInfo,omitempty"`
	IMDBRating  string   `json:"imdbRating,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	Runtime     string   `json:"runtime,omitempty"`
	Cast        []string `json:"cast,omitempty"`
	Director    []string `json:"director,omitempty"`
	Trailers    []Trailer `json:"trailers,omitempty"`
	Videos      []Video   `json:"videos,omitempty"`
}

// Trailer is one preview stream reference.
type Trailer struct {
	Source string `json:"source"`
	Type   string `json:"type"`
}

// Video is one episode entry for series metas.
type Video struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Released  string `json:"released,omitempty"`
	Season    int    `json:"season"`
	Episode   int    `json:"episode"`
	Overview  string `json:"overview,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// CatalogResponse is the catalog endpoint envelope.
type CatalogResponse struct {
	Metas           []Meta `json:"metas"`
	CacheMaxAge     int    `json:"cacheMaxAge,omitempty"`
	StaleRevalidate int    `json:"staleRevalidate,omitempty"`
}

// MetaResponse is the meta endpoint envelope.
type MetaResponse struct {
	Meta            *Meta `json:"meta"`
	CacheMaxAge     int   `json:"cacheMaxAge,omitempty"`
	StaleRevalidate int   `json:"staleRevalidate,omitempty"`
	StaleError      int   `json:"staleError,omitempty"`
}

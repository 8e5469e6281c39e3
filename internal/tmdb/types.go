package tmdb

// Wire types for the TMDB v3 API. Only the fields the addon reads are
// declared; unknown fields are dropped at decode time.

// DiscoverResponse is the page envelope returned by /discover and /search.
type DiscoverResponse struct {
	Page         int        `json:"page"`
	TotalPages   int        `json:"total_pages"`
	TotalResults int        `json:"total_results"`
	Results      []ListItem `json:"results"`
}

// ListItem is one row of a discover/search page. Movie and TV rows share
// the struct; TV rows populate Name/FirstAirDate instead of
// Title/ReleaseDate.
type ListItem struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	GenreIDs     []int   `json:"genre_ids"`
	VoteAverage  float64 `json:"vote_average"`
	Popularity   float64 `json:"popularity"`
}

// DisplayTitle returns the movie or series title, whichever is set.
func (i ListItem) DisplayTitle() string {
	if i.Title != "" {
		return i.Title
	}
	return i.Name
}

// Genre is one entry of the localised genre list.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// GenreList is the /genre/{type}/list payload.
type GenreList struct {
	Genres []Genre `json:"genres"`
}

// ExternalIDs is the /movie/{id}/external_ids (or tv) payload.
type ExternalIDs struct {
	IMDBID string `json:"imdb_id"`
	TVDBID int    `json:"tvdb_id"`
}

// FindResponse is the /find/{external_id} payload used for the reverse
// cross-reference (IMDb id in, TMDB rows out).
type FindResponse struct {
	MovieResults []ListItem `json:"movie_results"`
	TVResults    []ListItem `json:"tv_results"`
}

// Credits carries the cast and crew subset used by the meta endpoint.
type Credits struct {
	Cast []struct {
		Name string `json:"name"`
	} `json:"cast"`
	Crew []struct {
		Name string `json:"name"`
		Job  string `json:"job"`
	} `json:"crew"`
}

// Videos is the trailer list attached via append_to_response.
type Videos struct {
	Results []struct {
		Key  string `json:"key"`
		Site string `json:"site"`
		Type string `json:"type"`
	} `json:"results"`
}

// Images carries localised logos.
type Images struct {
	Logos []struct {
		FilePath string `json:"file_path"`
		Language string `json:"iso_639_1"`
	} `json:"logos"`
}

// Details is the full record for one title, movie and TV variants merged.
// append_to_response=credits,videos,external_ids(,images) fills the
// embedded payloads in a single upstream call.
type Details struct {
	ID               int     `json:"id"`
	Title            string  `json:"title"`
	Name             string  `json:"name"`
	Overview         string  `json:"overview"`
	PosterPath       string  `json:"poster_path"`
	BackdropPath     string  `json:"backdrop_path"`
	ReleaseDate      string  `json:"release_date"`
	FirstAirDate     string  `json:"first_air_date"`
	LastAirDate      string  `json:"last_air_date"`
	Runtime          int     `json:"runtime"`
	Status           string  `json:"status"`
	VoteAverage      float64 `json:"vote_average"`
	Genres           []Genre `json:"genres"`
	NumberOfSeasons  int     `json:"number_of_seasons"`
	EpisodeRunTime   []int   `json:"episode_run_time"`
	ExternalIDs      ExternalIDs `json:"external_ids"`
	Credits          Credits     `json:"credits"`
	Videos           Videos      `json:"videos"`
	Images           Images      `json:"images"`
}

// DisplayTitle returns the movie or series title, whichever is set.
func (d Details) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

// Season is the /tv/{id}/season/{n} payload for episode listings.
type Season struct {
	SeasonNumber int `json:"season_number"`
	Episodes     []struct {
		ID            int    `json:"id"`
		Name          string `json:"name"`
		Overview      string `json:"overview"`
		AirDate       string `json:"air_date"`
		EpisodeNumber int    `json:"episode_number"`
		SeasonNumber  int    `json:"season_number"`
		StillPath     string `json:"still_path"`
	} `json:"episodes"`
}

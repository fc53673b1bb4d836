package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Credentials identify a profile's account with its provider.
type Credentials struct {
	URL      string
	Username string
	Password string
}

// ServerInfo is returned by a successful authentication.
type ServerInfo struct {
	URL            string `json:"url"`
	Port           Text   `json:"port"`
	HTTPSPort      Text   `json:"https_port"`
	Protocol       string `json:"server_protocol"`
	Timezone       string `json:"timezone"`
	TimestampNow   int64  `json:"timestamp_now"`
	Status         string `json:"status"`
	ExpiresAt      Text   `json:"exp_date"`
	MaxConnections Text   `json:"max_connections"`
}

type Category struct {
	ID       Text   `json:"category_id"`
	Name     string `json:"category_name"`
	ParentID Text   `json:"parent_id"`
}

type Channel struct {
	Num          Text   `json:"num"`
	StreamID     Text   `json:"stream_id"`
	Name         string `json:"name"`
	Icon         string `json:"stream_icon"`
	EPGChannelID string `json:"epg_channel_id"`
	CategoryID   Text   `json:"category_id"`
	TVArchive    Text   `json:"tv_archive"`
}

type Movie struct {
	StreamID           Text   `json:"stream_id"`
	Name               string `json:"name"`
	Icon               string `json:"stream_icon"`
	Rating             Text   `json:"rating"`
	CategoryID         Text   `json:"category_id"`
	ContainerExtension string `json:"container_extension"`
	Added              Text   `json:"added"`
}

type Series struct {
	SeriesID     Text   `json:"series_id"`
	Name         string `json:"name"`
	Cover        string `json:"cover"`
	Plot         string `json:"plot"`
	Genre        string `json:"genre"`
	Rating       Text   `json:"rating"`
	CategoryID   Text   `json:"category_id"`
	LastModified Text   `json:"last_modified"`
}

// EPGEntry is one programme of a channel's short EPG. Title and Description
// are decoded from the base64 the provider sends.
type EPGEntry struct {
	ID          Text   `json:"id"`
	ChannelID   string `json:"channel_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Start       int64  `json:"start"`
	Stop        int64  `json:"stop"`
}

type MovieInfo struct {
	StreamID    Text   `json:"stream_id"`
	Name        string `json:"name"`
	Plot        string `json:"plot"`
	Cast        string `json:"cast"`
	Director    string `json:"director"`
	Genre       string `json:"genre"`
	ReleaseDate string `json:"releasedate"`
	Duration    string `json:"duration"`
	Rating      Text   `json:"rating"`
	Cover       string `json:"movie_image"`
}

type Episode struct {
	ID                 Text   `json:"id"`
	EpisodeNum         Text   `json:"episode_num"`
	Title              string `json:"title"`
	Season             Text   `json:"season"`
	ContainerExtension string `json:"container_extension"`
}

type SeriesInfo struct {
	SeriesID Text                 `json:"series_id"`
	Name     string               `json:"name"`
	Plot     string               `json:"plot"`
	Cast     string               `json:"cast"`
	Genre    string               `json:"genre"`
	Cover    string               `json:"cover"`
	Episodes map[string][]Episode `json:"episodes"`
}

// Text is a string field that providers send as either a JSON string or a
// JSON number.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string {
	return string(t)
}

// Int returns the value as an integer, or zero.
func (t Text) Int() int64 {
	n, _ := strconv.ParseInt(string(t), 10, 64)
	return n
}

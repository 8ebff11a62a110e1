// Package record contains the typed records materialized from UCube API
// payloads, and the mapping functions that build them from raw JSON.
package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Media type codes used by the UCube feed API.
const (
	mediaTypeImage = "601"
	mediaTypeVideo = "602"
)

// Club represents a UCube club (an artist or group community).
type Club struct {
	Slug           string
	ArtistName     string
	ColorOne       string
	ColorTwo       string
	ArtistLogo     *Image
	Thumbnail      *Image
	SmallThumbnail *Image
	ExternalURL    string
	RegisteredAt   string
}

// Board represents a board inside a club.
type Board struct {
	Slug     string
	Name     string
	Type     string // notice, media, from_artist, to_artist, talk
	ClubSlug string
	Active   bool
}

// Post represents a single feed post. Content has HTML stripped.
type Post struct {
	Slug      string
	Content   string
	BoardSlug string
	Author    *User
	Images    []*Image
	Videos    []*Video
	CreatedAt string
}

// User represents a UCube account, either a fan or an artist.
type User struct {
	Slug         string
	Name         string
	ProfileImage string
}

// Notification represents a club notification. PostSlug may be empty when the
// notification does not reference a post. Identity is the slug alone.
type Notification struct {
	Slug      string
	ClubSlug  string
	PostSlug  string
	Body      string
	CreatedAt string
}

// Comment represents a comment on a post.
type Comment struct {
	Slug      string
	Body      string
	PostSlug  string
	Author    *User
	CreatedAt string
}

// Image represents an image attachment or club artwork.
type Image struct {
	URL    string
	Name   string
	Size   int
	Width  int
	Height int
}

// Video represents a video attachment.
type Video struct {
	Slug      string
	Name      string
	URL       string
	Thumbnail string
}

type clubPayload struct {
	Slug           string          `json:"slug"`
	ArtistName     string          `json:"artist_name"`
	ColorOne       string          `json:"color_1"`
	ColorTwo       string          `json:"color_2"`
	ArtistLogo     json.RawMessage `json:"artist_logo_file"`
	Thumbnail      json.RawMessage `json:"thumbnail_file"`
	SmallThumbnail json.RawMessage `json:"thumbnail_small_file"`
	ExternalURL    string          `json:"external_url"`
	RegisteredAt   string          `json:"register_datetime"`
}

// BuildClub maps a raw club payload to a Club. The base URL is used to
// resolve relative image paths.
func BuildClub(raw []byte, baseURL string) (*Club, error) {
	var p clubPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal club: %w", err)
	}
	if p.Slug == "" {
		return nil, fmt.Errorf("club payload missing slug")
	}

	club := &Club{
		Slug:         p.Slug,
		ArtistName:   p.ArtistName,
		ColorOne:     p.ColorOne,
		ColorTwo:     p.ColorTwo,
		ExternalURL:  p.ExternalURL,
		RegisteredAt: p.RegisteredAt,
	}

	// Club artwork is optional; a malformed image never fails the club.
	club.ArtistLogo = buildOptionalImage(p.ArtistLogo, baseURL)
	club.Thumbnail = buildOptionalImage(p.Thumbnail, baseURL)
	club.SmallThumbnail = buildOptionalImage(p.SmallThumbnail, baseURL)

	return club, nil
}

type boardPayload struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	ClubSlug string `json:"club_slug"`
	Active   bool   `json:"active_flag"`
}

// BuildBoard maps a raw board payload to a Board.
func BuildBoard(raw []byte) (*Board, error) {
	var p boardPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal board: %w", err)
	}
	if p.Slug == "" {
		return nil, fmt.Errorf("board payload missing slug")
	}
	return &Board{
		Slug:     p.Slug,
		Name:     p.Name,
		Type:     p.Type,
		ClubSlug: p.ClubSlug,
		Active:   p.Active,
	}, nil
}

type mediaPayload struct {
	TypeCode string          `json:"type_code"`
	Data     json.RawMessage `json:"data"`
}

type postPayload struct {
	Slug      string          `json:"slug"`
	Content   string          `json:"content"`
	BoardSlug string          `json:"board_slug"`
	User      json.RawMessage `json:"user"`
	Media     []mediaPayload  `json:"media"`
	CreatedAt string          `json:"register_datetime"`
}

// BuildPost maps a raw feed payload to a Post, building the embedded user and
// media sub-records. HTML is stripped from the content.
func BuildPost(raw []byte, baseURL string) (*Post, error) {
	var p postPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	if p.Slug == "" {
		return nil, fmt.Errorf("post payload missing slug")
	}

	post := &Post{
		Slug:      p.Slug,
		Content:   StripHTML(p.Content),
		BoardSlug: p.BoardSlug,
		CreatedAt: p.CreatedAt,
	}

	if len(p.User) > 0 {
		if author, err := BuildUser(p.User, baseURL); err == nil {
			post.Author = author
		}
	}

	for _, m := range p.Media {
		switch m.TypeCode {
		case mediaTypeImage:
			if img := buildOptionalImage(m.Data, baseURL); img != nil {
				post.Images = append(post.Images, img)
			}
		case mediaTypeVideo:
			if vid, err := BuildVideo(m.Data); err == nil {
				post.Videos = append(post.Videos, vid)
			}
		default:
			// Unknown media types are skipped, matching the API's habit of
			// introducing new type codes without notice.
		}
	}

	return post, nil
}

type userPayload struct {
	Slug        string `json:"slug"`
	NickName    string `json:"nick_name"`
	ArtistName  string `json:"artist_name"`
	ProfilePath string `json:"profile_path"`
}

// BuildUser maps a raw user payload to a User. Artist accounts carry
// artist_name instead of nick_name.
func BuildUser(raw []byte, baseURL string) (*User, error) {
	var p userPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	if p.Slug == "" {
		return nil, fmt.Errorf("user payload missing slug")
	}

	name := p.NickName
	if name == "" {
		name = p.ArtistName
	}

	user := &User{Slug: p.Slug, Name: name}
	if p.ProfilePath != "" {
		user.ProfileImage = joinURL(baseURL, p.ProfilePath)
	}
	return user, nil
}

type notificationPayload struct {
	Slug      string `json:"slug"`
	ClubSlug  string `json:"club_slug"`
	PostSlug  string `json:"post_slug"`
	Content   string `json:"content"`
	CreatedAt string `json:"register_datetime"`
}

// BuildNotification maps a raw notification payload to a Notification.
func BuildNotification(raw []byte) (*Notification, error) {
	var p notificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	if p.Slug == "" {
		return nil, fmt.Errorf("notification payload missing slug")
	}
	return &Notification{
		Slug:      p.Slug,
		ClubSlug:  p.ClubSlug,
		PostSlug:  p.PostSlug,
		Body:      StripHTML(p.Content),
		CreatedAt: p.CreatedAt,
	}, nil
}

type commentPayload struct {
	Slug      string          `json:"slug"`
	Content   string          `json:"content"`
	PostSlug  string          `json:"post_slug"`
	User      json.RawMessage `json:"user"`
	CreatedAt string          `json:"register_datetime"`
}

// BuildComment maps a raw comment payload to a Comment.
func BuildComment(raw []byte, baseURL string) (*Comment, error) {
	var p commentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal comment: %w", err)
	}
	if p.Slug == "" {
		return nil, fmt.Errorf("comment payload missing slug")
	}

	comment := &Comment{
		Slug:      p.Slug,
		Body:      StripHTML(p.Content),
		PostSlug:  p.PostSlug,
		CreatedAt: p.CreatedAt,
	}
	if len(p.User) > 0 {
		if author, err := BuildUser(p.User, baseURL); err == nil {
			comment.Author = author
		}
	}
	return comment, nil
}

type imagePayload struct {
	Path   string `json:"path"`
	Size   int    `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// BuildImage maps a raw image payload to an Image. Relative paths are joined
// with the base URL; the name is the file name portion of the path.
func BuildImage(raw []byte, baseURL string) (*Image, error) {
	var p imagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	if p.Path == "" {
		return nil, fmt.Errorf("image payload missing path")
	}

	url := joinURL(baseURL, p.Path)
	return &Image{
		URL:    url,
		Name:   fileName(url),
		Size:   p.Size,
		Width:  p.Width,
		Height: p.Height,
	}, nil
}

type videoPayload struct {
	Slug  string `json:"slug"`
	URL   string `json:"url"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Image string `json:"image"`
}

// BuildVideo maps a raw video payload to a Video. The URL doubles as the slug
// when the payload carries none.
func BuildVideo(raw []byte) (*Video, error) {
	var p videoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal video: %w", err)
	}
	if p.URL == "" {
		return nil, fmt.Errorf("video payload missing url")
	}

	name := p.Name
	if name == "" {
		name = p.Title
	}
	slug := p.Slug
	if slug == "" {
		slug = p.URL
	}
	return &Video{
		Slug:      slug,
		Name:      name,
		URL:       p.URL,
		Thumbnail: p.Image,
	}, nil
}

func buildOptionalImage(raw json.RawMessage, baseURL string) *Image {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	img, err := BuildImage(raw, baseURL)
	if err != nil {
		return nil
	}
	return img
}

// StripHTML returns the plain-text content of an HTML fragment. <br> tags
// become newlines before parsing so line breaks survive.
func StripHTML(content string) string {
	if content == "" {
		return ""
	}
	content = strings.ReplaceAll(content, "<br>", "\n")
	content = strings.ReplaceAll(content, "<br/>", "\n")
	content = strings.ReplaceAll(content, "<br />", "\n")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(doc.Text())
}

func joinURL(baseURL, path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func fileName(url string) string {
	url = strings.TrimSuffix(url, "/")
	idx := strings.LastIndex(url, "/")
	if idx == -1 {
		return url
	}
	return url[idx+1:]
}

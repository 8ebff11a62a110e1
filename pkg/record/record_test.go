package record

import (
	"testing"
)

const baseURL = "https://united-cube.com/"

func TestBuildClub(t *testing.T) {
	raw := []byte(`{
		"slug": "btob",
		"artist_name": "BTOB",
		"color_1": "#0000ff",
		"color_2": "#ffffff",
		"artist_logo_file": {"path": "/images/btob/logo.png", "size": 1024, "width": 200, "height": 100},
		"thumbnail_file": null,
		"external_url": "https://example.test/btob",
		"register_datetime": "2020-01-01T00:00:00Z"
	}`)

	club, err := BuildClub(raw, baseURL)
	if err != nil {
		t.Fatalf("BuildClub() error = %v", err)
	}
	if club.Slug != "btob" || club.ArtistName != "BTOB" {
		t.Errorf("club = %+v, want slug btob / artist BTOB", club)
	}
	if club.ColorOne != "#0000ff" || club.ColorTwo != "#ffffff" {
		t.Errorf("colors = %q/%q", club.ColorOne, club.ColorTwo)
	}
	if club.ArtistLogo == nil {
		t.Fatal("ArtistLogo = nil, want an image")
	}
	if club.ArtistLogo.URL != "https://united-cube.com/images/btob/logo.png" {
		t.Errorf("logo URL = %q", club.ArtistLogo.URL)
	}
	if club.ArtistLogo.Name != "logo.png" {
		t.Errorf("logo name = %q, want logo.png", club.ArtistLogo.Name)
	}
	if club.Thumbnail != nil {
		t.Error("Thumbnail != nil for a null payload")
	}
}

func TestBuildClubMissingSlug(t *testing.T) {
	if _, err := BuildClub([]byte(`{"artist_name":"X"}`), baseURL); err == nil {
		t.Error("BuildClub() accepted a payload without a slug")
	}
}

func TestBuildPost(t *testing.T) {
	raw := []byte(`{
		"slug": "post-1",
		"content": "Hello<br>world <b>!</b>",
		"board_slug": "board-1",
		"register_datetime": "2021-05-05T12:00:00Z",
		"user": {"slug": "user-1", "artist_name": "Minhyuk", "profile_path": "/profiles/u1.jpg"},
		"media": [
			{"type_code": "601", "data": {"path": "/media/img1.jpg", "size": 10, "width": 5, "height": 5}},
			{"type_code": "602", "data": {"url": "https://youtu.be/abc", "title": "Clip", "image": "https://img.test/t.jpg"}},
			{"type_code": "999", "data": {}}
		]
	}`)

	post, err := BuildPost(raw, baseURL)
	if err != nil {
		t.Fatalf("BuildPost() error = %v", err)
	}
	if post.Content != "Hello\nworld !" {
		t.Errorf("Content = %q, want HTML stripped with <br> as newline", post.Content)
	}
	if post.Author == nil || post.Author.Name != "Minhyuk" {
		t.Errorf("Author = %+v, want artist name Minhyuk", post.Author)
	}
	if post.Author.ProfileImage != "https://united-cube.com/profiles/u1.jpg" {
		t.Errorf("ProfileImage = %q", post.Author.ProfileImage)
	}
	if len(post.Images) != 1 {
		t.Fatalf("Images = %d, want 1", len(post.Images))
	}
	if len(post.Videos) != 1 {
		t.Fatalf("Videos = %d, want 1", len(post.Videos))
	}
	if post.Videos[0].Name != "Clip" {
		t.Errorf("video name = %q, want the title fallback", post.Videos[0].Name)
	}
}

func TestBuildPostMissingSlug(t *testing.T) {
	if _, err := BuildPost([]byte(`{"content":"x"}`), baseURL); err == nil {
		t.Error("BuildPost() accepted a payload without a slug")
	}
}

func TestBuildUserNickNamePreferred(t *testing.T) {
	raw := []byte(`{"slug":"u1","nick_name":"fan01","artist_name":"Artist"}`)
	user, err := BuildUser(raw, baseURL)
	if err != nil {
		t.Fatalf("BuildUser() error = %v", err)
	}
	if user.Name != "fan01" {
		t.Errorf("Name = %q, want the nick name when both are set", user.Name)
	}
}

func TestBuildNotification(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Notification
		wantErr bool
	}{
		{
			name: "full payload",
			raw:  `{"slug":"n1","club_slug":"btob","post_slug":"p1","content":"New <b>post</b>!","register_datetime":"2021-06-01T00:00:00Z"}`,
			want: Notification{Slug: "n1", ClubSlug: "btob", PostSlug: "p1", Body: "New post!", CreatedAt: "2021-06-01T00:00:00Z"},
		},
		{
			name: "no post reference",
			raw:  `{"slug":"n2","club_slug":"btob","content":"Announcement"}`,
			want: Notification{Slug: "n2", ClubSlug: "btob", Body: "Announcement"},
		},
		{
			name:    "missing slug",
			raw:     `{"club_slug":"btob"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"slug":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := BuildNotification([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Error("BuildNotification() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildNotification() error = %v", err)
			}
			if *n != tt.want {
				t.Errorf("BuildNotification() = %+v, want %+v", *n, tt.want)
			}
		})
	}
}

func TestBuildVideoSlugFallsBackToURL(t *testing.T) {
	video, err := BuildVideo([]byte(`{"url":"https://youtu.be/abc","name":"Clip"}`))
	if err != nil {
		t.Fatalf("BuildVideo() error = %v", err)
	}
	if video.Slug != "https://youtu.be/abc" {
		t.Errorf("Slug = %q, want the URL fallback", video.Slug)
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain text", in: "hello", want: "hello"},
		{name: "tags removed", in: "<p>hello <b>world</b></p>", want: "hello world"},
		{name: "br becomes newline", in: "a<br>b<br/>c<br />d", want: "a\nb\nc\nd"},
		{name: "surrounding whitespace trimmed", in: "  <div> x </div>  ", want: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripHTML(tt.in); got != tt.want {
				t.Errorf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://united-cube.com/", "/images/x.png", "https://united-cube.com/images/x.png"},
		{"https://united-cube.com", "images/x.png", "https://united-cube.com/images/x.png"},
		{"https://united-cube.com/", "https://cdn.test/x.png", "https://cdn.test/x.png"},
	}
	for _, tt := range tests {
		if got := joinURL(tt.base, tt.path); got != tt.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

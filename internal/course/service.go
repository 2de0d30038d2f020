// Package course maps a Google Drive folder hierarchy into the
// course → lesson → file structure the API serves. All Drive access runs
// through the token interceptor so an expired credential costs at most
// one transparent refresh.
package course

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/drive-learning/internal/drive"
	"github.com/dukex/drive-learning/internal/token"
)

// FileKind classifies lesson files for presentation.
type FileKind string

const (
	KindVideo        FileKind = "video"
	KindAudio        FileKind = "audio"
	KindImage        FileKind = "image"
	KindPDF          FileKind = "pdf"
	KindDocument     FileKind = "document"
	KindSpreadsheet  FileKind = "spreadsheet"
	KindPresentation FileKind = "presentation"
	KindOther        FileKind = "other"
)

// KindForMime maps a Drive MIME type to a presentation kind.
func KindForMime(mime string) FileKind {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case mime == "application/pdf":
		return KindPDF
	case mime == "application/vnd.google-apps.spreadsheet",
		strings.Contains(mime, "spreadsheetml"),
		mime == "text/csv":
		return KindSpreadsheet
	case mime == "application/vnd.google-apps.presentation",
		strings.Contains(mime, "presentationml"):
		return KindPresentation
	case mime == "application/vnd.google-apps.document",
		strings.Contains(mime, "wordprocessingml"),
		strings.HasPrefix(mime, "text/"):
		return KindDocument
	default:
		return KindOther
	}
}

// Course is a top-level folder under the user's root.
type Course struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Position    int       `json:"position"`
	LessonCount int       `json:"lesson_count"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Lesson is a folder inside a course.
type Lesson struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Position   int       `json:"position"`
	FileCount  int       `json:"file_count"`
	ModifiedAt time.Time `json:"modified_at"`
}

// LessonFile is a browsable file inside a lesson.
type LessonFile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        FileKind  `json:"kind"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size,omitempty"`
	WebViewLink string    `json:"web_view_link,omitempty"`
	IconLink    string    `json:"icon_link,omitempty"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Crumb is one breadcrumb segment.
type Crumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CourseDetail is a course with its ordered lessons and breadcrumbs.
type CourseDetail struct {
	Course      Course   `json:"course"`
	Lessons     []Lesson `json:"lessons"`
	Files       []LessonFile `json:"files,omitempty"` // files sitting directly in the course folder
	Breadcrumbs []Crumb  `json:"breadcrumbs"`
}

// LessonDetail is a lesson with its files and breadcrumbs.
type LessonDetail struct {
	Lesson      Lesson       `json:"lesson"`
	Files       []LessonFile `json:"files"`
	Breadcrumbs []Crumb      `json:"breadcrumbs"`
}

// driveAPI is the slice of the Drive client the service uses.
type driveAPI interface {
	ListChildren(ctx context.Context, accessToken, folderID string) ([]drive.File, error)
	GetFile(ctx context.Context, accessToken, fileID string) (*drive.File, error)
}

// caller runs a Drive call under the token interceptor.
type caller interface {
	Do(ctx context.Context, userID, operation string, call token.Call) error
}

type Service struct {
	drive driveAPI
	calls caller
	cache *Cache
}

func NewService(driveClient driveAPI, calls caller, cache *Cache) *Service {
	return &Service{drive: driveClient, calls: calls, cache: cache}
}

// ListCourses returns the top-level folders under the user's root,
// ordered by numeric prefix then name.
func (s *Service) ListCourses(ctx context.Context, userID, rootFolderID string) ([]Course, error) {
	cacheKey := fmt.Sprintf("courses:%s:%s", userID, rootFolderID)
	var courses []Course
	if hit, err := s.cache.Get(ctx, cacheKey, &courses); err != nil {
		log.Printf("[course] cache read failed: %v", err)
	} else if hit {
		return courses, nil
	}

	var children []drive.File
	err := s.calls.Do(ctx, userID, "drive.courses.list", func(ctx context.Context, accessToken string) error {
		var cerr error
		children, cerr = s.drive.ListChildren(ctx, accessToken, rootFolderID)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	courses = make([]Course, 0, len(children))
	for _, f := range children {
		if !f.IsFolder() {
			continue
		}
		courses = append(courses, Course{
			ID:         f.ID,
			Name:       displayName(f.Name),
			ModifiedAt: f.ModifiedTime,
		})
	}
	sortByPrefix(children, courses)

	s.cache.Set(ctx, cacheKey, courses)
	return courses, nil
}

// GetCourse returns a course's ordered lessons and any loose files in
// the course folder itself.
func (s *Service) GetCourse(ctx context.Context, userID, courseID string) (*CourseDetail, error) {
	cacheKey := fmt.Sprintf("courses:%s:detail:%s", userID, courseID)
	var detail CourseDetail
	if hit, err := s.cache.Get(ctx, cacheKey, &detail); err != nil {
		log.Printf("[course] cache read failed: %v", err)
	} else if hit {
		return &detail, nil
	}

	var folder *drive.File
	var children []drive.File
	err := s.calls.Do(ctx, userID, "drive.course.get", func(ctx context.Context, accessToken string) error {
		var cerr error
		if folder, cerr = s.drive.GetFile(ctx, accessToken, courseID); cerr != nil {
			return cerr
		}
		children, cerr = s.drive.ListChildren(ctx, accessToken, courseID)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	detail = CourseDetail{
		Course: Course{
			ID:         folder.ID,
			Name:       displayName(folder.Name),
			ModifiedAt: folder.ModifiedTime,
		},
		Breadcrumbs: []Crumb{{ID: folder.ID, Name: displayName(folder.Name)}},
	}

	ordered := orderedEntries(children)
	for _, entry := range ordered {
		if entry.file.IsFolder() {
			detail.Lessons = append(detail.Lessons, Lesson{
				ID:         entry.file.ID,
				Name:       entry.title,
				Position:   len(detail.Lessons) + 1,
				ModifiedAt: entry.file.ModifiedTime,
			})
			continue
		}
		detail.Files = append(detail.Files, toLessonFile(entry.file))
	}
	detail.Course.LessonCount = len(detail.Lessons)

	s.cache.Set(ctx, cacheKey, detail)
	return &detail, nil
}

// GetLesson returns a lesson's ordered files with course breadcrumbs.
func (s *Service) GetLesson(ctx context.Context, userID, courseID, lessonID string) (*LessonDetail, error) {
	cacheKey := fmt.Sprintf("courses:%s:lesson:%s:%s", userID, courseID, lessonID)
	var detail LessonDetail
	if hit, err := s.cache.Get(ctx, cacheKey, &detail); err != nil {
		log.Printf("[course] cache read failed: %v", err)
	} else if hit {
		return &detail, nil
	}

	var courseFolder, lessonFolder *drive.File
	var children []drive.File
	err := s.calls.Do(ctx, userID, "drive.lesson.get", func(ctx context.Context, accessToken string) error {
		var cerr error
		if courseFolder, cerr = s.drive.GetFile(ctx, accessToken, courseID); cerr != nil {
			return cerr
		}
		if lessonFolder, cerr = s.drive.GetFile(ctx, accessToken, lessonID); cerr != nil {
			return cerr
		}
		children, cerr = s.drive.ListChildren(ctx, accessToken, lessonID)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	detail = LessonDetail{
		Lesson: Lesson{
			ID:         lessonFolder.ID,
			Name:       displayName(lessonFolder.Name),
			ModifiedAt: lessonFolder.ModifiedTime,
		},
		Breadcrumbs: []Crumb{
			{ID: courseFolder.ID, Name: displayName(courseFolder.Name)},
			{ID: lessonFolder.ID, Name: displayName(lessonFolder.Name)},
		},
	}

	for _, entry := range orderedEntries(children) {
		if entry.file.IsFolder() {
			continue // nesting deeper than course/lesson is not browsable
		}
		detail.Files = append(detail.Files, toLessonFile(entry.file))
	}
	detail.Lesson.FileCount = len(detail.Files)

	s.cache.Set(ctx, cacheKey, detail)
	return &detail, nil
}

// InvalidateUser drops every cached listing for the user, used after the
// Drive folder structure changes.
func (s *Service) InvalidateUser(ctx context.Context, userID string) error {
	return s.cache.InvalidateUser(ctx, userID)
}

func toLessonFile(f drive.File) LessonFile {
	return LessonFile{
		ID:          f.ID,
		Name:        displayName(f.Name),
		Kind:        KindForMime(f.MimeType),
		MimeType:    f.MimeType,
		Size:        f.Size,
		WebViewLink: f.WebViewLink,
		IconLink:    f.IconLink,
		ModifiedAt:  f.ModifiedTime,
	}
}

// =============================================================================
// Ordering
// =============================================================================

// orderPrefix matches leading sequence markers like "01 - ", "2.", "3_".
var orderPrefix = regexp.MustCompile(`^(\d+)\s*[-._)]*\s*`)

type entry struct {
	file  drive.File
	order int
	title string
}

// splitOrderPrefix extracts a numeric ordering prefix from a name.
// Names without a prefix sort after numbered ones.
func splitOrderPrefix(name string) (int, string, bool) {
	m := orderPrefix.FindStringSubmatch(name)
	if m == nil {
		return 0, name, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, name, false
	}
	title := strings.TrimSpace(name[len(m[0]):])
	if title == "" {
		title = name
	}
	return n, title, true
}

// displayName strips the ordering prefix for presentation.
func displayName(name string) string {
	_, title, _ := splitOrderPrefix(name)
	return title
}

// orderedEntries sorts folder children: numbered entries by number, then
// unnumbered by case-insensitive name. Folders and files keep their
// relative interleaving rules from the caller.
func orderedEntries(files []drive.File) []entry {
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		n, title, numbered := splitOrderPrefix(f.Name)
		e := entry{file: f, title: title}
		if numbered {
			e.order = n
		} else {
			e.order = 1 << 30
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		return strings.ToLower(entries[i].title) < strings.ToLower(entries[j].title)
	})
	return entries
}

// sortByPrefix orders the already-built course list the same way.
func sortByPrefix(raw []drive.File, courses []Course) {
	orderByID := make(map[string]int, len(raw))
	for _, f := range raw {
		n, _, numbered := splitOrderPrefix(f.Name)
		if numbered {
			orderByID[f.ID] = n
		} else {
			orderByID[f.ID] = 1 << 30
		}
	}
	sort.SliceStable(courses, func(i, j int) bool {
		oi, oj := orderByID[courses[i].ID], orderByID[courses[j].ID]
		if oi != oj {
			return oi < oj
		}
		return strings.ToLower(courses[i].Name) < strings.ToLower(courses[j].Name)
	})
	for i := range courses {
		courses[i].Position = i + 1
	}
}

package course

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/drive-learning/internal/drive"
	"github.com/dukex/drive-learning/internal/token"
)

// fakeDrive serves canned folder listings keyed by folder ID.
type fakeDrive struct {
	files    map[string]*drive.File
	children map[string][]drive.File
	err      error
}

func (d *fakeDrive) ListChildren(ctx context.Context, accessToken, folderID string) ([]drive.File, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.children[folderID], nil
}

func (d *fakeDrive) GetFile(ctx context.Context, accessToken, fileID string) (*drive.File, error) {
	if d.err != nil {
		return nil, d.err
	}
	f, ok := d.files[fileID]
	if !ok {
		return nil, &drive.APIError{Status: 404, Message: "File not found"}
	}
	return f, nil
}

// passCaller runs calls directly with a fixed token, no refresh logic.
type passCaller struct {
	calls int
}

func (c *passCaller) Do(ctx context.Context, userID, operation string, call token.Call) error {
	c.calls++
	return call(ctx, "test-access-token")
}

func folder(id, name string) drive.File {
	return drive.File{ID: id, Name: name, MimeType: drive.MimeFolder, ModifiedTime: time.Now()}
}

func file(id, name, mime string) drive.File {
	return drive.File{ID: id, Name: name, MimeType: mime, ModifiedTime: time.Now()}
}

func testService(d *fakeDrive) (*Service, *passCaller) {
	calls := &passCaller{}
	return NewService(d, calls, &Cache{}), calls
}

func TestListCourses(t *testing.T) {
	d := &fakeDrive{children: map[string][]drive.File{
		"root": {
			folder("c-basics", "2 - Basics"),
			folder("c-intro", "01 - Introduction"),
			folder("c-extra", "Bonus Material"),
			folder("c-adv", "10. Advanced"),
			file("f-readme", "README.txt", "text/plain"), // not a course
		},
	}}
	svc, calls := testService(d)

	courses, err := svc.ListCourses(context.Background(), "user-1", "root")
	if err != nil {
		t.Fatalf("ListCourses() error = %v", err)
	}

	wantOrder := []string{"Introduction", "Basics", "Advanced", "Bonus Material"}
	if len(courses) != len(wantOrder) {
		t.Fatalf("got %d courses, want %d", len(courses), len(wantOrder))
	}
	for i, want := range wantOrder {
		if courses[i].Name != want {
			t.Errorf("courses[%d].Name = %q, want %q", i, courses[i].Name, want)
		}
		if courses[i].Position != i+1 {
			t.Errorf("courses[%d].Position = %d, want %d", i, courses[i].Position, i+1)
		}
	}
	if calls.calls != 1 {
		t.Errorf("drive calls = %d, want 1", calls.calls)
	}
}

func TestGetCourse(t *testing.T) {
	d := &fakeDrive{
		files: map[string]*drive.File{
			"course-1": {ID: "course-1", Name: "01 - Go Fundamentals", MimeType: drive.MimeFolder},
		},
		children: map[string][]drive.File{
			"course-1": {
				folder("l-2", "2 - Variables"),
				folder("l-1", "1 - Hello World"),
				file("syllabus", "00 Syllabus.pdf", "application/pdf"),
			},
		},
	}
	svc, _ := testService(d)

	detail, err := svc.GetCourse(context.Background(), "user-1", "course-1")
	if err != nil {
		t.Fatalf("GetCourse() error = %v", err)
	}

	if detail.Course.Name != "Go Fundamentals" {
		t.Errorf("course name = %q, want prefix stripped", detail.Course.Name)
	}
	if detail.Course.LessonCount != 2 {
		t.Errorf("LessonCount = %d, want 2", detail.Course.LessonCount)
	}
	if len(detail.Lessons) != 2 || detail.Lessons[0].Name != "Hello World" || detail.Lessons[1].Name != "Variables" {
		t.Errorf("lessons = %+v, want Hello World then Variables", detail.Lessons)
	}
	for i, l := range detail.Lessons {
		if l.Position != i+1 {
			t.Errorf("lesson %d position = %d, want %d", i, l.Position, i+1)
		}
	}
	if len(detail.Files) != 1 || detail.Files[0].Kind != KindPDF {
		t.Errorf("loose files = %+v, want one pdf", detail.Files)
	}
	if len(detail.Breadcrumbs) != 1 || detail.Breadcrumbs[0].ID != "course-1" {
		t.Errorf("breadcrumbs = %+v", detail.Breadcrumbs)
	}
}

func TestGetLesson(t *testing.T) {
	d := &fakeDrive{
		files: map[string]*drive.File{
			"course-1": {ID: "course-1", Name: "1 - Go Fundamentals", MimeType: drive.MimeFolder},
			"lesson-1": {ID: "lesson-1", Name: "1 - Hello World", MimeType: drive.MimeFolder},
		},
		children: map[string][]drive.File{
			"lesson-1": {
				file("v-1", "02 walkthrough.mp4", "video/mp4"),
				file("s-1", "01 slides.pdf", "application/pdf"),
				folder("nested", "extras"), // deeper nesting is not browsable
			},
		},
	}
	svc, _ := testService(d)

	detail, err := svc.GetLesson(context.Background(), "user-1", "course-1", "lesson-1")
	if err != nil {
		t.Fatalf("GetLesson() error = %v", err)
	}

	if detail.Lesson.Name != "Hello World" {
		t.Errorf("lesson name = %q", detail.Lesson.Name)
	}
	if detail.Lesson.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2 (nested folder excluded)", detail.Lesson.FileCount)
	}
	if detail.Files[0].Name != "slides.pdf" || detail.Files[1].Name != "walkthrough.mp4" {
		t.Errorf("files = %+v, want slides then walkthrough", detail.Files)
	}
	if detail.Files[1].Kind != KindVideo {
		t.Errorf("kind = %v, want video", detail.Files[1].Kind)
	}
	if len(detail.Breadcrumbs) != 2 || detail.Breadcrumbs[0].Name != "Go Fundamentals" || detail.Breadcrumbs[1].Name != "Hello World" {
		t.Errorf("breadcrumbs = %+v", detail.Breadcrumbs)
	}
}

func TestDriveFailurePropagates(t *testing.T) {
	d := &fakeDrive{err: &drive.APIError{Status: 401, Message: "Invalid Credentials"}}
	svc, _ := testService(d)

	_, err := svc.ListCourses(context.Background(), "user-1", "root")
	if err == nil {
		t.Fatal("ListCourses() error = nil, want drive failure")
	}
	var apiErr *drive.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Errorf("error = %v, want the 401 APIError", err)
	}
}

func TestSplitOrderPrefix(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantOrder  int
		wantTitle  string
		wantNumber bool
	}{
		{"dash separator", "01 - Introduction", 1, "Introduction", true},
		{"dot separator", "2. Basics", 2, "Basics", true},
		{"underscore separator", "3_Advanced", 3, "Advanced", true},
		{"paren separator", "4) Wrap Up", 4, "Wrap Up", true},
		{"bare number prefix", "10 Deployment", 10, "Deployment", true},
		{"no prefix", "Bonus Material", 0, "Bonus Material", false},
		{"number only", "42", 42, "42", true},
		{"number mid-name", "Lesson 5", 0, "Lesson 5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, title, numbered := splitOrderPrefix(tt.in)
			if numbered != tt.wantNumber {
				t.Fatalf("numbered = %v, want %v", numbered, tt.wantNumber)
			}
			if numbered && order != tt.wantOrder {
				t.Errorf("order = %d, want %d", order, tt.wantOrder)
			}
			if title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
		})
	}
}

func TestKindForMime(t *testing.T) {
	tests := []struct {
		mime string
		want FileKind
	}{
		{"video/mp4", KindVideo},
		{"audio/mpeg", KindAudio},
		{"image/png", KindImage},
		{"application/pdf", KindPDF},
		{"application/vnd.google-apps.document", KindDocument},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", KindDocument},
		{"text/markdown", KindDocument},
		{"application/vnd.google-apps.spreadsheet", KindSpreadsheet},
		{"text/csv", KindSpreadsheet},
		{"application/vnd.google-apps.presentation", KindPresentation},
		{"application/zip", KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := KindForMime(tt.mime); got != tt.want {
				t.Errorf("KindForMime(%q) = %v, want %v", tt.mime, got, tt.want)
			}
		})
	}
}

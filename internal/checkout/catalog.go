package checkout

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
)

// Course is the catalog entry a purchase is priced from.
type Course struct {
	ID         string          `json:"id"`
	TeacherRef string          `json:"teacherRef"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	Active     bool            `json:"active"`
}

// Catalog is the course collaborator. Course management lives elsewhere;
// checkout only reads prices and owners.
type Catalog interface {
	Course(ctx context.Context, id string) (*Course, error)
}

// MemoryCatalog is an in-memory Catalog.
type MemoryCatalog struct {
	mu      sync.RWMutex
	courses map[string]Course
}

// NewMemoryCatalog returns a catalog holding courses.
func NewMemoryCatalog(courses ...Course) *MemoryCatalog {
	m := &MemoryCatalog{courses: make(map[string]Course)}
	for _, c := range courses {
		m.courses[c.ID] = c
	}
	return m
}

// Put adds or replaces a course.
func (m *MemoryCatalog) Put(c Course) {
	m.mu.Lock()
	m.courses[c.ID] = c
	m.mu.Unlock()
}

func (m *MemoryCatalog) Course(_ context.Context, id string) (*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok || !c.Active {
		return nil, fmt.Errorf("course %s: %w", id, errs.ErrNotFound)
	}
	return &c, nil
}

// PostgresCatalog reads the courses table.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a PostgreSQL-backed catalog.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (p *PostgresCatalog) Course(ctx context.Context, id string) (*Course, error) {
	c := &Course{}
	var price string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, teacher_ref, title, price_eur::TEXT, active
		FROM courses WHERE id = $1 AND active
	`, id).Scan(&c.ID, &c.TeacherRef, &c.Title, &price, &c.Active)
	if err != nil {
		return nil, errs.FromDB(err, "get course "+id)
	}
	c.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("course %s price %q: %w", id, price, err)
	}
	return c, nil
}

// Enrollment grants a student access to a course.
type Enrollment struct {
	ID         string    `json:"id"`
	StudentRef string    `json:"studentRef"`
	CourseRef  string    `json:"courseRef"`
	Source     string    `json:"source"` // snapshot or payment intent that paid for it
	CreatedAt  time.Time `json:"createdAt"`
}

// Enrollments records course access. Enroll is idempotent per
// (student, course) and returns the enrollment id.
type Enrollments interface {
	Enroll(ctx context.Context, studentRef, courseRef, source string) (string, error)
	Get(ctx context.Context, studentRef, courseRef string) (*Enrollment, error)
}

// MemoryEnrollments is an in-memory Enrollments.
type MemoryEnrollments struct {
	mu   sync.Mutex
	rows map[string]*Enrollment
}

// NewMemoryEnrollments creates an empty enrollment store.
func NewMemoryEnrollments() *MemoryEnrollments {
	return &MemoryEnrollments{rows: make(map[string]*Enrollment)}
}

func (m *MemoryEnrollments) Enroll(_ context.Context, studentRef, courseRef, source string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := studentRef + "|" + courseRef
	if e, ok := m.rows[key]; ok {
		return e.ID, nil
	}
	e := &Enrollment{
		ID:         idgen.WithPrefix(idgen.PrefixEnrollment),
		StudentRef: studentRef,
		CourseRef:  courseRef,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
	m.rows[key] = e
	return e.ID, nil
}

func (m *MemoryEnrollments) Get(_ context.Context, studentRef, courseRef string) (*Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[studentRef+"|"+courseRef]
	if !ok {
		return nil, fmt.Errorf("enrollment %s in %s: %w", studentRef, courseRef, errs.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// PostgresEnrollments implements Enrollments on the enrollments table.
type PostgresEnrollments struct {
	db *sql.DB
}

// NewPostgresEnrollments creates a PostgreSQL-backed enrollment store.
func NewPostgresEnrollments(db *sql.DB) *PostgresEnrollments {
	return &PostgresEnrollments{db: db}
}

func (p *PostgresEnrollments) Enroll(ctx context.Context, studentRef, courseRef, source string) (string, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, student_ref, course_ref, source, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (student_ref, course_ref) DO NOTHING
	`, idgen.WithPrefix(idgen.PrefixEnrollment), studentRef, courseRef, source)
	if err != nil {
		return "", errs.FromDB(err, "enroll")
	}
	e, err := p.Get(ctx, studentRef, courseRef)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (p *PostgresEnrollments) Get(ctx context.Context, studentRef, courseRef string) (*Enrollment, error) {
	e := &Enrollment{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, student_ref, course_ref, source, created_at
		FROM enrollments WHERE student_ref = $1 AND course_ref = $2
	`, studentRef, courseRef).Scan(&e.ID, &e.StudentRef, &e.CourseRef, &e.Source, &e.CreatedAt)
	if err != nil {
		return nil, errs.FromDB(err, "get enrollment")
	}
	return e, nil
}

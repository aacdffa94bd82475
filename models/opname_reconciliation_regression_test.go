package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
	"bitbucket.org/mmdatafocus/retailpos_backend/workflow"
)

// Full count -> classify -> investigate -> adjust pipeline against real MySQL
// and Redis. Covers the status gates, the incident approval authority check,
// the posting fence and the idempotent ledger consumer.
func TestOpnameReconciliationPipeline(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "retailpos_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Test Retail",
		Email: "owner@test.local",
		Phone: "+628112345678",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessID := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	db := config.GetDB()

	var branch models.Branch
	if err := db.WithContext(ctx).Where("business_id = ? AND name = ?", businessID, "Head Office").First(&branch).Error; err != nil {
		t.Fatalf("fetch seeded branch: %v", err)
	}
	var warehouse models.Warehouse
	if err := db.WithContext(ctx).Where("business_id = ? AND name = ?", businessID, "Main Warehouse").First(&warehouse).Error; err != nil {
		t.Fatalf("fetch seeded warehouse: %v", err)
	}

	roleByTier := map[models.ApprovalTier]*models.Role{}
	for _, tier := range []models.ApprovalTier{models.ApprovalTierSupervisor, models.ApprovalTierManager, models.ApprovalTierDirector} {
		var role models.Role
		if err := db.WithContext(ctx).Where("business_id = ? AND approval_tier = ?", businessID, tier).First(&role).Error; err != nil {
			t.Fatalf("fetch seeded %s role: %v", tier, err)
		}
		roleByTier[tier] = &role
	}

	userByTier := map[models.ApprovalTier]*models.User{}
	for tier, role := range roleByTier {
		user, err := models.CreateUser(ctx, &models.NewUser{
			Username: strings.ToLower(string(tier)) + "@test.local",
			Name:     string(tier) + " User",
			Password: "secret123",
			RoleId:   role.ID,
			Role:     models.UserRoleStaff,
			BranchId: branch.ID,
		})
		if err != nil {
			t.Fatalf("CreateUser %s: %v", tier, err)
		}
		userByTier[tier] = user
	}
	supervisor := userByTier[models.ApprovalTierSupervisor]

	// The stored hash must verify against the original password.
	if _, err := models.Login(ctx, supervisor.Username, "secret123"); err != nil {
		t.Fatalf("Login with created password: %v", err)
	}
	if _, err := models.Login(ctx, supervisor.Username, "wrong"); err == nil {
		t.Fatal("Login with wrong password should fail")
	}

	unit, err := models.CreateProductUnit(ctx, &models.NewProductUnit{Name: "Pcs", Abbreviation: "pc", Precision: 0})
	if err != nil {
		t.Fatalf("CreateProductUnit: %v", err)
	}

	type seed struct {
		name      string
		sku       string
		cost      int64
		systemQty int64
	}
	seeds := []seed{
		{"Soap Bar", "SOAP-001", 5000, 200},      // counted exactly
		{"Rice 5kg", "RICE-005", 60000, 100},     // minor shortage
		{"TV 43in", "TV43-001", 3500000, 10},     // major shortage, director value
	}
	products := make([]*models.Product, 0, len(seeds))
	for _, s := range seeds {
		p, err := models.CreateProduct(ctx, &models.NewProduct{
			Name:               s.name,
			Sku:                s.sku,
			UnitId:             unit.ID,
			PurchasePrice:      decimal.NewFromInt(s.cost),
			IsInventoryTracked: utils.NewTrue(),
		})
		if err != nil {
			t.Fatalf("CreateProduct %s: %v", s.name, err)
		}
		summary := models.StockSummary{
			BusinessId:  businessID,
			WarehouseId: warehouse.ID,
			ProductId:   p.ID,
			ProductType: models.ProductTypeSingle,
			CurrentQty:  decimal.NewFromInt(s.systemQty),
		}
		if err := db.WithContext(ctx).Create(&summary).Error; err != nil {
			t.Fatalf("seed stock summary %s: %v", s.name, err)
		}
		products = append(products, p)
	}
	soap, rice, tv := products[0], products[1], products[2]

	opname, err := models.CreateStockOpname(ctx, &models.NewStockOpname{
		BranchId:      branch.ID,
		WarehouseId:   warehouse.ID,
		ScheduledDate: time.Now().UTC(),
		SupervisorId:  supervisor.ID,
	})
	if err != nil {
		t.Fatalf("CreateStockOpname: %v", err)
	}
	if opname.CurrentStatus != models.StockOpnameStatusDraft {
		t.Fatalf("new opname status = %s, want Draft", opname.CurrentStatus)
	}
	if len(opname.Items) != len(seeds) {
		t.Fatalf("snapshot has %d items, want %d", len(opname.Items), len(seeds))
	}

	itemByProduct := map[int]*models.StockOpnameItem{}
	for i := range opname.Items {
		itemByProduct[opname.Items[i].ProductId] = &opname.Items[i]
	}

	// Counting requires a real user id in context.
	countCtx := utils.SetUserIdInContext(ctx, supervisor.ID)
	countCtx = utils.SetUserNameInContext(countCtx, supervisor.Name)

	// Negative quantities never reach the transaction.
	if _, err := models.RecordPhysicalCount(countCtx, opname.ID, itemByProduct[soap.ID].ID, &models.NewPhysicalCount{
		PhysicalQty: decimal.NewFromInt(-1),
	}); !errors.Is(err, models.ErrInvalidQuantity) {
		t.Fatalf("negative count: got %v, want ErrInvalidQuantity", err)
	}

	// Exact count: None.
	soapItem, err := models.RecordPhysicalCount(countCtx, opname.ID, itemByProduct[soap.ID].ID, &models.NewPhysicalCount{
		PhysicalQty: decimal.NewFromInt(200),
	})
	if err != nil {
		t.Fatalf("count soap: %v", err)
	}
	if soapItem.VarianceCategory != models.VarianceCategoryNone {
		t.Fatalf("soap category = %s, want None", soapItem.VarianceCategory)
	}

	// First count moves the session out of Draft.
	refreshed, err := models.GetStockOpname(countCtx, opname.ID)
	if err != nil {
		t.Fatalf("GetStockOpname: %v", err)
	}
	if refreshed.CurrentStatus != models.StockOpnameStatusInProgress {
		t.Fatalf("session status after first count = %s, want InProgress", refreshed.CurrentStatus)
	}

	// 1% shortage on rice: minor (value 60,000 under the moderate line).
	riceItem, err := models.RecordPhysicalCount(countCtx, opname.ID, itemByProduct[rice.ID].ID, &models.NewPhysicalCount{
		PhysicalQty: decimal.NewFromInt(99),
	})
	if err != nil {
		t.Fatalf("count rice: %v", err)
	}
	if riceItem.VarianceCategory != models.VarianceCategoryMinor {
		t.Fatalf("rice category = %s, want Minor", riceItem.VarianceCategory)
	}

	// 10% shortage on the TV, value 3,500,000: major, director tier.
	tvItem, err := models.RecordPhysicalCount(countCtx, opname.ID, itemByProduct[tv.ID].ID, &models.NewPhysicalCount{
		PhysicalQty: decimal.NewFromInt(9),
	})
	if err != nil {
		t.Fatalf("count tv: %v", err)
	}
	if tvItem.VarianceCategory != models.VarianceCategoryMajor {
		t.Fatalf("tv category = %s, want Major", tvItem.VarianceCategory)
	}

	// None/minor verify directly; major must go through an incident.
	if _, err := models.VerifyOpnameItem(countCtx, opname.ID, soapItem.ID); err != nil {
		t.Fatalf("verify soap: %v", err)
	}
	if _, err := models.VerifyOpnameItem(countCtx, opname.ID, riceItem.ID); err != nil {
		t.Fatalf("verify rice: %v", err)
	}
	if _, err := models.VerifyOpnameItem(countCtx, opname.ID, tvItem.ID); !errors.Is(err, models.ErrIncidentRequired) {
		t.Fatalf("verify tv: got %v, want ErrIncidentRequired", err)
	}

	// Completion is fenced while the TV line is open.
	if _, err := models.CompleteStockOpname(countCtx, opname.ID); !errors.Is(err, models.ErrIncompleteCount) {
		t.Fatalf("complete with open items: got %v, want ErrIncompleteCount", err)
	}

	incident, err := models.OpenVarianceIncident(countCtx, opname.ID, tvItem.ID, &models.NewVarianceIncident{
		Whys:          []string{"Stock room door found unlocked", "Evening shift skipped the lockup checklist"},
		RootCause:     "Lockup checklist not enforced on evening shift",
		ResponsibleId: supervisor.ID,
	})
	if err != nil {
		t.Fatalf("OpenVarianceIncident: %v", err)
	}
	if incident.RequiredTier != models.ApprovalTierDirector {
		t.Fatalf("incident required tier = %s, want Director", incident.RequiredTier)
	}

	// Only one open incident per item.
	if _, err := models.OpenVarianceIncident(countCtx, opname.ID, tvItem.ID, &models.NewVarianceIncident{
		Whys:          []string{"duplicate"},
		RootCause:     "duplicate",
		ResponsibleId: supervisor.ID,
	}); !errors.Is(err, models.ErrDuplicateIncident) {
		t.Fatalf("duplicate incident: got %v, want ErrDuplicateIncident", err)
	}

	// A supervisor cannot sign off a director-tier incident.
	supCtx := utils.SetUserIdInContext(ctx, supervisor.ID)
	if _, err := models.ApproveVarianceIncident(supCtx, incident.ID, "looks fine"); !errors.Is(err, models.ErrInsufficientAuthority) {
		t.Fatalf("supervisor approval: got %v, want ErrInsufficientAuthority", err)
	}

	// Director rejects: the item resets for a recount.
	dirCtx := utils.SetUserIdInContext(ctx, userByTier[models.ApprovalTierDirector].ID)
	if _, err := models.RejectVarianceIncident(dirCtx, incident.ID, "recount with a second person"); err != nil {
		t.Fatalf("RejectVarianceIncident: %v", err)
	}
	tvAfterReject, err := models.GetOpnameItem(ctx, opname.ID, tvItem.ID)
	if err != nil {
		t.Fatalf("reload tv item: %v", err)
	}
	if tvAfterReject.CurrentStatus != models.OpnameItemStatusPending {
		t.Fatalf("tv status after rejection = %s, want Pending", tvAfterReject.CurrentStatus)
	}
	if !tvAfterReject.PhysicalQty.IsZero() || !tvAfterReject.Difference.IsZero() || tvAfterReject.CountedAt != nil {
		t.Fatalf("tv count fields not wiped after rejection: %+v", tvAfterReject)
	}
	if tvAfterReject.VarianceCategory != models.VarianceCategoryNone {
		t.Fatalf("tv category after rejection = %s, want None", tvAfterReject.VarianceCategory)
	}

	// Recount confirms the same missing unit: still 10 percent short, major.
	tvItem2, err := models.RecordPhysicalCount(countCtx, opname.ID, tvItem.ID, &models.NewPhysicalCount{
		PhysicalQty: decimal.NewFromInt(9),
	})
	if err != nil {
		t.Fatalf("recount tv: %v", err)
	}
	if tvItem2.VarianceCategory != models.VarianceCategoryMajor {
		t.Fatalf("tv recount category = %s, want Major", tvItem2.VarianceCategory)
	}

	incident2, err := models.OpenVarianceIncident(countCtx, opname.ID, tvItem.ID, &models.NewVarianceIncident{
		Whys:          []string{"Recount confirmed one unit missing", "Unit found damaged in returns area without paperwork"},
		RootCause:     "Damaged unit moved without a stock movement record",
		ResponsibleId: supervisor.ID,
	})
	if err != nil {
		t.Fatalf("second incident: %v", err)
	}
	approved, err := models.ApproveVarianceIncident(dirCtx, incident2.ID, "write-off approved")
	if err != nil {
		t.Fatalf("ApproveVarianceIncident: %v", err)
	}
	if approved.CurrentStatus != models.VarianceIncidentStatusApproved {
		t.Fatalf("incident status = %s, want Approved", approved.CurrentStatus)
	}
	tvApproved, err := models.GetOpnameItem(ctx, opname.ID, tvItem.ID)
	if err != nil {
		t.Fatalf("reload tv item: %v", err)
	}
	if tvApproved.CurrentStatus != models.OpnameItemStatusApproved {
		t.Fatalf("tv status = %s, want Approved", tvApproved.CurrentStatus)
	}

	progress, err := models.GetOpnameProgress(ctx, opname.ID)
	if err != nil {
		t.Fatalf("GetOpnameProgress: %v", err)
	}
	if progress.TotalItems != 3 || progress.CountedItems != 3 || progress.ResolvedItems != 3 {
		t.Fatalf("progress = %+v, want 3/3/3", progress)
	}

	if _, err := models.CompleteStockOpname(countCtx, opname.ID); err != nil {
		t.Fatalf("CompleteStockOpname: %v", err)
	}

	posted, err := models.PostStockOpname(countCtx, opname.ID)
	if err != nil {
		t.Fatalf("PostStockOpname: %v", err)
	}
	if posted.CurrentStatus != models.StockOpnameStatusPosted {
		t.Fatalf("posted status = %s, want Posted", posted.CurrentStatus)
	}

	// Posting twice is fenced.
	if _, err := models.PostStockOpname(countCtx, opname.ID); !errors.Is(err, models.ErrAlreadyPosted) {
		t.Fatalf("double post: got %v, want ErrAlreadyPosted", err)
	}

	// Re-posts across several pool connections must all see ErrAlreadyPosted
	// promptly. If the advisory lock ever leaked onto an idle connection,
	// these would block on GET_LOCK until its 30s timeout instead.
	fenceStart := time.Now()
	var wg sync.WaitGroup
	repostErrs := make([]error, 4)
	for i := range repostErrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, repostErrs[i] = models.PostStockOpname(countCtx, opname.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range repostErrs {
		if !errors.Is(err, models.ErrAlreadyPosted) {
			t.Fatalf("concurrent re-post %d: got %v, want ErrAlreadyPosted", i, err)
		}
	}
	if elapsed := time.Since(fenceStart); elapsed > 10*time.Second {
		t.Fatalf("concurrent re-posts took %s, posting lock is not being released", elapsed)
	}

	// The batch carries only the nonzero differences.
	batch, err := models.GetAdjustmentBatchForOpname(ctx, opname.ID)
	if err != nil {
		t.Fatalf("GetAdjustmentBatchForOpname: %v", err)
	}
	if len(batch.Lines) != 2 {
		t.Fatalf("batch has %d lines, want 2 (soap counted exact)", len(batch.Lines))
	}
	lineByProduct := map[int]models.InventoryAdjustmentLine{}
	for _, line := range batch.Lines {
		lineByProduct[line.ProductId] = line
	}
	if !lineByProduct[rice.ID].QtyDelta.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("rice qty delta = %s, want -1", lineByProduct[rice.ID].QtyDelta)
	}
	if !lineByProduct[tv.ID].QtyDelta.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("tv qty delta = %s, want -1", lineByProduct[tv.ID].QtyDelta)
	}
	if lineByProduct[tv.ID].VarianceIncidentId == nil {
		t.Fatal("tv line should reference its approved incident")
	}

	// The approved incident closes at posting.
	closedIncident, err := models.GetVarianceIncident(ctx, incident2.ID)
	if err != nil {
		t.Fatalf("reload incident: %v", err)
	}
	if closedIncident.CurrentStatus != models.VarianceIncidentStatusClosed {
		t.Fatalf("incident status after posting = %s, want Closed", closedIncident.CurrentStatus)
	}

	// The outbox row was written in the posting transaction.
	var outbox models.LedgerMessageRecord
	if err := db.WithContext(ctx).
		Where("business_id = ? AND reference_type = ? AND reference_id = ?",
			businessID, models.LedgerReferenceTypeOpnameAdjustment, batch.ID).
		First(&outbox).Error; err != nil {
		t.Fatalf("expected outbox record for batch: %v", err)
	}
	if outbox.PublishStatus != models.OutboxPublishStatusPending {
		t.Fatalf("outbox status = %s, want PENDING", outbox.PublishStatus)
	}

	// Consume the message: summaries drop by the deltas.
	logger := logrus.New()
	msg := outbox.ToPubSubMessage()
	wtx := db.Begin()
	if err := workflow.ProcessStockLedgerWorkflow(wtx, logger, msg); err != nil {
		t.Fatalf("ProcessStockLedgerWorkflow: %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("workflow commit: %v", err)
	}

	assertQty := func(productId int, want int64) {
		t.Helper()
		var summary models.StockSummary
		if err := db.WithContext(ctx).
			Where("business_id = ? AND warehouse_id = ? AND product_id = ?", businessID, warehouse.ID, productId).
			First(&summary).Error; err != nil {
			t.Fatalf("load summary for product %d: %v", productId, err)
		}
		if !summary.CurrentQty.Equal(decimal.NewFromInt(want)) {
			t.Fatalf("product %d qty = %s, want %d", productId, summary.CurrentQty, want)
		}
	}
	assertQty(soap.ID, 200)
	assertQty(rice.ID, 99)
	assertQty(tv.ID, 9)

	// Redelivery is a no-op.
	wtx2 := db.Begin()
	if err := workflow.ProcessStockLedgerWorkflow(wtx2, logger, msg); err != nil {
		t.Fatalf("redelivered ProcessStockLedgerWorkflow: %v", err)
	}
	if err := wtx2.Commit().Error; err != nil {
		t.Fatalf("redelivery commit: %v", err)
	}
	assertQty(rice.ID, 99)
	assertQty(tv.ID, 9)
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("retailpos-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("retailpos-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=retailpos_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

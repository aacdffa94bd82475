package middlewares

import (
	"context"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-row lookups the list handlers need when shaping
// responses, so a 200-row opname detail costs a handful of queries instead of
// one per row.
type Loaders struct {
	branchLoader      *dataloader.Loader[int, *models.Branch]
	warehouseLoader   *dataloader.Loader[int, *models.Warehouse]
	productLoader     *dataloader.Loader[int, *models.Product]
	productUnitLoader *dataloader.Loader[int, *models.ProductUnit]
	roleLoader        *dataloader.Loader[int, *models.Role]
	userLoader        *dataloader.Loader[int, *models.User]

	opnameDocumentLoader   *dataloader.Loader[int, []*models.Document]
	itemDocumentLoader     *dataloader.Loader[int, []*models.Document]
	incidentDocumentLoader *dataloader.Loader[int, []*models.Document]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	branchReader := &branchReader{db: conn}
	warehouseReader := &warehouseReader{db: conn}
	productReader := &productReader{db: conn}
	productUnitReader := &productUnitReader{db: conn}
	roleReader := &roleReader{db: conn}
	userReader := &userReader{db: conn}

	opnameDocumentReader := &documentReader{db: conn, referenceType: "stock_opnames"}
	itemDocumentReader := &documentReader{db: conn, referenceType: "stock_opname_items"}
	incidentDocumentReader := &documentReader{db: conn, referenceType: "variance_incidents"}

	return &Loaders{
		branchLoader:      dataloader.NewBatchedLoader(branchReader.getBranches, dataloader.WithWait[int, *models.Branch](time.Millisecond)),
		warehouseLoader:   dataloader.NewBatchedLoader(warehouseReader.getWarehouses, dataloader.WithWait[int, *models.Warehouse](time.Millisecond)),
		productLoader:     dataloader.NewBatchedLoader(productReader.getProducts, dataloader.WithWait[int, *models.Product](time.Millisecond)),
		productUnitLoader: dataloader.NewBatchedLoader(productUnitReader.getProductUnits, dataloader.WithWait[int, *models.ProductUnit](time.Millisecond)),
		roleLoader:        dataloader.NewBatchedLoader(roleReader.getRoles, dataloader.WithWait[int, *models.Role](time.Millisecond)),
		userLoader:        dataloader.NewBatchedLoader(userReader.getUsers, dataloader.WithWait[int, *models.User](time.Millisecond)),

		opnameDocumentLoader:   dataloader.NewBatchedLoader(opnameDocumentReader.getDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
		itemDocumentLoader:     dataloader.NewBatchedLoader(itemDocumentReader.getDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
		incidentDocumentLoader: dataloader.NewBatchedLoader(incidentDocumentReader.getDocuments, dataloader.WithWait[int, []*models.Document](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// turns results from db into dataloader results
// (T must be a struct)
func generateLoaderResults[T models.Data](results []T, ids []int) []*dataloader.Result[*T] {
	resultMap := make(map[int]T)
	var resultZero T
	resultMap[0] = resultZero.GetDefault(0).(T)
	for _, result := range results {
		resultMap[result.GetId()] = result
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		data := resultMap[id]
		if reflect.ValueOf(data).IsZero() {
			data = data.GetDefault(id).(T)
		}
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: &data})
	}
	return loaderResults
}

// T must be struct
// each id has many related results
func generateLoaderArrayResults[T models.RelatedData](results []T, referenceIds []int) (loaderResults []*dataloader.Result[[]*T]) {
	resultMap := make(map[int][]*T)
	for _, result := range results {
		// copy before taking the address, the loop variable is reused
		copy := result
		resultMap[result.GetReferenceId()] = append(resultMap[result.GetReferenceId()], &copy)
	}
	for _, id := range referenceIds {
		resultArray := resultMap[id]
		loaderResults = append(loaderResults, &dataloader.Result[[]*T]{Data: resultArray})
	}
	return loaderResults
}

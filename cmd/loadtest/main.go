package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.String("product", "sku-loadtest", "product id")
	stock := flag.Int64("stock", 100, "units restocked before the test (0 to skip)")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for restock endpoint")
	confirmEvery := flag.Int("confirm-every", 2, "confirm every n-th successful order (0 to skip)")

	// 超卖测试参数：500 个订单并发抢 100 件
	nOrders := flag.Int("orders", 500, "orders to place")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	before, err := getStock(client, *baseURL, *productID)
	if err != nil && *stock == 0 {
		panic(fmt.Sprintf("read stock: %v", err))
	}
	if *stock > 0 {
		if _, err := doPOST(client, fmt.Sprintf("%s/api/admin/stock/%s/restock", *baseURL, *productID),
			map[string]int64{"quantity": *stock}, map[string]string{"X-Admin-Token": *adminToken}); err != nil {
			panic(fmt.Sprintf("restock failed: %v", err))
		}
		fmt.Println("restock ok")
	}

	fmt.Printf("start oversell test: product=%s orders=%d concurrency=%d\n", *productID, *nOrders, *concurrency)
	results := runOrders(client, *baseURL, *productID, *nOrders, *concurrency, *confirmEvery)
	printSummary("oversell", results)

	after, err := getStock(client, *baseURL, *productID)
	if err != nil {
		fmt.Println("stock check err:", err)
		os.Exit(1)
	}
	fmt.Printf("final stock: available=%d reserved=%d sold=%d\n", after.Available, after.Reserved, after.Sold)

	// 不变量：总量只因补货增加，且没有超卖
	want := before.total() + *stock
	if after.total() != want || after.Available < 0 {
		fmt.Printf("INVARIANT VIOLATED: total=%d want=%d\n", after.total(), want)
		os.Exit(1)
	}
	fmt.Println("invariant ok")
}

func runOrders(client *http.Client, baseURL, productID string, n, concurrency, confirmEvery int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			body := map[string]any{"lines": []map[string]any{
				{"product_id": productID, "quantity": 1, "unit_price": "9.99"},
			}}
			headers := map[string]string{
				"Idempotency-Key": fmt.Sprintf("loadtest-%d-%d", time.Now().UnixNano(), idx),
				"X-User-ID":       strconv.Itoa(idx + 1),
			}
			res, err := doPOST(client, baseURL+"/api/orders", body, headers)
			results[idx] = res
			if err != nil || confirmEvery <= 0 || idx%confirmEvery != 0 {
				return
			}
			var out struct {
				Data struct {
					ID string `json:"order_id"`
				} `json:"data"`
			}
			if json.Unmarshal([]byte(res.Body), &out) == nil && out.Data.ID != "" {
				_, _ = doPOST(client, fmt.Sprintf("%s/api/orders/%s/confirm", baseURL, out.Data.ID), nil, nil)
			}
		}(i)
	}

	wg.Wait()
	return results
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil && r.Status == 0 {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doPOST 发送 POST 请求（支持附加请求头），非 2xx 返回错误。
func doPOST(client *http.Client, url string, body any, headers map[string]string) (Result, error) {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	res := Result{Status: resp.StatusCode, Body: string(b)}
	if resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
		return res, res.Err
	}
	return res, nil
}

type stockRecord struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Sold      int64 `json:"sold"`
}

func (s stockRecord) total() int64 { return s.Available + s.Reserved + s.Sold }

// getStock 查询账本当前库存，用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL, productID string) (stockRecord, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/stock/%s", baseURL, productID))
	if err != nil {
		return stockRecord{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return stockRecord{}, nil
	}
	if resp.StatusCode >= 300 {
		return stockRecord{}, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int         `json:"code"`
		Data stockRecord `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return stockRecord{}, err
	}
	return out.Data, nil
}

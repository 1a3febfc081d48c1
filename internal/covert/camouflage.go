package covert

var dummyResults = []SearchResult{
	{Title: "오늘의 날씨 - 전국 날씨 예보", URL: "https://weather.example.com", Snippet: "전국 날씨 정보를 확인하세요..."},
	{Title: "네이버 뉴스 - 최신 뉴스 모아보기", URL: "https://news.example.com", Snippet: "실시간 뉴스를 확인하세요..."},
	{Title: "맛집 추천 - 인기 맛집 리스트", URL: "https://food.example.com", Snippet: "주변 인기 맛집을 찾아보세요..."},
	{Title: "영화 순위 - 이번 주 박스오피스", URL: "https://movie.example.com", Snippet: "이번 주 인기 영화 순위..."},
	{Title: "쇼핑 - 오늘의 특가 상품", URL: "https://shop.example.com", Snippet: "오늘의 할인 상품을 확인하세요..."},
}

// Camouflage returns the decoy result used for every failure.
func Camouflage() Result {
	results := make([]SearchResult, len(dummyResults))
	copy(results, dummyResults)
	return Result{Mode: ModeSearch, Results: results}
}

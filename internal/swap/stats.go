package swap

// Stats 聚合了仍保存在存储中的会话状态，供运维面板使用。
// 已完成与已取消的会话会被移除，因此不计入。
type Stats struct {
	Total            int   `json:"total"`
	Open             int   `json:"open"`
	AwaitingDeposit  int   `json:"awaiting_deposit"`
	AwaitingApproval int   `json:"awaiting_approval"`
	Approved         int   `json:"approved"`
	Executing        int   `json:"executing"`
	PartiallyFailed  int   `json:"partially_failed"`
	Failed           int   `json:"failed"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}

// Add 将一个会话计入统计。
func (st *Stats) Add(state State, updatedAt int64) {
	st.AddCount(state, 1, updatedAt, updatedAt)
}

// AddCount 合并按状态聚合后的结果，供 SQL 后端的 GROUP BY 查询使用。
func (st *Stats) AddCount(state State, n int, oldest, newest int64) {
	if n <= 0 {
		return
	}
	st.Total += n
	switch state {
	case StateOpen:
		st.Open += n
	case StateAwaitingDeposit:
		st.AwaitingDeposit += n
	case StateAwaitingApproval:
		st.AwaitingApproval += n
	case StateApproved:
		st.Approved += n
	case StateExecuting:
		st.Executing += n
	case StatePartiallyFailed:
		st.PartiallyFailed += n
	case StateFailed:
		st.Failed += n
	}
	if oldest > 0 && (st.OldestUpdatedAt == 0 || oldest < st.OldestUpdatedAt) {
		st.OldestUpdatedAt = oldest
	}
	if newest > st.NewestUpdatedAt {
		st.NewestUpdatedAt = newest
	}
}

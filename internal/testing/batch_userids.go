package testing

// BatchUserIDs splits single userIDs slice into pairs where first one is the first provided
// userID e.g. [a, b, c, d] -> [[a,b], [a,c], [a,d]]
func BatchUserIDs(userIDs []string) [][2]string {
	if len(userIDs) < 2 {
		return nil
	}

	batches := make([][2]string, 0, len(userIDs)-1)
	for i := 1; i < len(userIDs); i++ {
		batches = append(batches, [2]string{userIDs[0], userIDs[i]})
	}

	return batches
}
